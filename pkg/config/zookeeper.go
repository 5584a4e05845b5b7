package config

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider is a koanf.Provider backed by a single znode holding a
// YAML document, with an optional watch for live reloads.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider dials the given ensemble and returns a provider that
// reads config YAML from path.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect: %w", err)
	}
	return &ZookeeperProvider{conn: conn, path: path}, nil
}

// ReadBytes returns the raw YAML document stored at the configured znode.
func (p *ZookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("zookeeper: get %s: %w", p.path, err)
	}
	return data, nil
}

// Read is unused; koanf callers always parse via ReadBytes + a YAML parser.
func (p *ZookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("zookeeper: Read unsupported, use ReadBytes with a parser")
}

// Watch invokes cb whenever the znode's content version changes, until
// Close is called or the watch channel errors.
func (p *ZookeeperProvider) Watch(cb func(event interface{}, err error)) error {
	go func() {
		for {
			_, _, eventCh, err := p.conn.GetW(p.path)
			if err != nil {
				cb(nil, fmt.Errorf("zookeeper: watch %s: %w", p.path, err))
				return
			}
			evt := <-eventCh
			if evt.Type == zk.EventNotWatching {
				return
			}
			cb(evt, nil)
		}
	}()
	return nil
}

// Close releases the underlying zookeeper session.
func (p *ZookeeperProvider) Close() {
	p.conn.Close()
}
