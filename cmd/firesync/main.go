// Command firesync tails a path of a remote realtime database into the
// terminal, and can optionally watch a local JSON file and push its
// content to that path on every change.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	firebase "github.com/mm-gmbd/Firebase"
	"github.com/mm-gmbd/Firebase/internal/config"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatalf("Error parsing configuration: %v", err)
	}
	defer glog.Flush()

	if cfg.BaseURL == "" || cfg.Namespace == "" {
		log.Fatalf("A database URL and namespace are required (see -url, -ns or the config file)")
	}

	client, err := firebase.New(firebase.Config{
		BaseURL:        cfg.BaseURL,
		Namespace:      cfg.Namespace,
		AuthToken:      cfg.AuthToken,
		KeepAlive:      cfg.Stream.KeepAlive,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		InsecureTLS:    cfg.InsecureTLS,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Shutdown()

	if cfg.SnapshotFile != "" {
		if err := client.LoadSnapshot(cfg.SnapshotFile); err != nil {
			glog.Warningf("no snapshot loaded: %v", err)
		}
	}

	client.Subscribe(cfg.Path, func(path string, value any) {
		encoded, err := json.Marshal(value)
		if err != nil {
			glog.Errorf("unprintable value at %s: %v", path, err)
			return
		}
		fmt.Printf("%s %s\n", path, encoded)
	})

	if !client.Open(cfg.Path, nil) {
		log.Fatalf("Stream already open")
	}
	glog.Infof("tailing %s at %s", cfg.Path, cfg.BaseURL)

	if cfg.PushFile != "" {
		watcher, err := watchAndPush(client, cfg.PushFile, cfg.Path)
		if err != nil {
			log.Fatalf("Failed to watch %s: %v", cfg.PushFile, err)
		}
		defer watcher.Close()
		glog.Infof("pushing %s to %s on change", cfg.PushFile, cfg.Path)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if cfg.SnapshotFile != "" {
		if err := client.SaveSnapshot(cfg.SnapshotFile); err != nil {
			glog.Errorf("saving snapshot: %v", err)
		}
	}
	client.Close()
}

// watchAndPush monitors the local file and writes its decoded content to
// the remote path on every change.
func watchAndPush(client *firebase.Client, file, path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace files rather than write them
	// in place, which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, err
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				name, err := filepath.Abs(event.Name)
				if err != nil || name != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				glog.V(2).Infof("file changed: %s", event.Name)
				pushFile(client, file, path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				glog.Errorf("watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}

func pushFile(client *firebase.Client, file, path string) {
	data, err := os.ReadFile(file)
	if err != nil {
		glog.Errorf("error reading file: %v", err)
		return
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		glog.Errorf("%s is not valid JSON: %v", file, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Write(ctx, path, value); err != nil {
		glog.Errorf("error pushing %s: %v", file, err)
	}
}
