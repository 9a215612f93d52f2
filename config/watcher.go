package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

var (
	gLock      sync.RWMutex
	gConfig    *Config
	gListeners []func(prev, next *Config)
)

// Override adjusts a loaded configuration, for example with command line
// flags. It is applied after every load.
type Override func(*Config)

func configFromFile(path string, override Override) (*Config, error) {
	config := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(config); err != nil {
		return nil, err
	}
	if override != nil {
		override(config)
	}
	log.Debugf("Loaded configuration: %v", spew.Sdump(config))
	return config, nil
}

func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// Set installs c as the current configuration and notifies listeners.
func Set(c *Config) {
	gLock.Lock()
	prev := gConfig
	gConfig = c
	listeners := append([]func(prev, next *Config){}, gListeners...)
	gLock.Unlock()
	if prev == nil {
		return
	}
	for _, l := range listeners {
		l(prev, c)
	}
}

// OnChange registers fn to run after every configuration reload.
func OnChange(fn func(prev, next *Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, fn)
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
	case err := <-watcher.Errors:
		return err
	}
	// Let the writer finish before reading.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads the JSON configuration at path and keeps reloading it when the
// file changes until ctx is done. A reload that fails to parse or validate
// keeps the previous configuration.
func Load(ctx context.Context, path string, override Override) (*Config, error) {
	config, err := configFromFile(path, override)
	if err != nil {
		return nil, err
	}
	Set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("Error waiting for file change: %v", err)
				time.Sleep(time.Second)
				continue
			}

			config, err := configFromFile(path, override)
			if err == nil {
				err = config.Validate()
			}
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			log.Infof("Reloaded configuration from %s", path)
			Set(config)
		}
	}()
	return config, nil
}
