//go:build !PGSQL && !MYSQL

package stor

import (
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// GormDialector returns the dialector selected at build time.
func GormDialector(cnx string) gorm.Dialector {
	log.Debug("Using SQLite")
	return sqlite.Open(cnx)
}
