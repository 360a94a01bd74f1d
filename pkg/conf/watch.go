// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package conf

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reloads the configuration file each time it is written or replaced,
// and passes the new configuration to onChange. Invalid files are logged and ignored.
// Watch blocks until the context is done.
func Watch(ctx context.Context, configFile string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path, err := filepath.Abs(configFile)
	if err != nil {
		return err
	}
	// editors often replace the file, so the parent directory is watched
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		return err
	}

	log.Debugf("Watching configuration file %s", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				c, err := Init(path)
				if err != nil {
					log.Warnf("Configuration reload failed: %v", err)
					continue
				}
				log.Infof("Configuration reloaded from %s", path)
				onChange(c)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("Error watching configuration: %v", err)
		}
	}
}
