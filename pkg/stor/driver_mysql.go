//go:build MYSQL

package stor

import (
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// GormDialector returns the dialector selected at build time.
// MySQL does not run DDL inside transactions: an interrupted evolution
// leaves the table in the evolving state, which the next run resumes.
func GormDialector(cnx string) gorm.Dialector {
	log.Debug("Using MySQL")
	return mysql.Open(cnx)
}
