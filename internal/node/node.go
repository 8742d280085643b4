// Package node manages the identity of a notifyd process. The identity is a
// ULID generated on first start and kept in the data directory; it is stamped
// on every task this instance enqueues and on the metrics snapshots it
// publishes, so operators can tell which dispatcher produced what.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// Identity is the persistent identity of this process.
type Identity struct {
	id      string
	dataDir string
}

// Load returns the identity stored in dataDir, creating it if absent.
// A non-empty override other than "auto" is validated and used instead.
func Load(dataDir, override string) (*Identity, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Identity{id: override, dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, idFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(id); perr != nil {
			return nil, fmt.Errorf("node: persisted id %q is invalid: %w", id, perr)
		}
		return &Identity{id: id, dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("node: persist id: %w", err)
	}
	return &Identity{id: id, dataDir: dataDir}, nil
}

// ID returns the stable ULID string.
func (i *Identity) ID() string { return i.id }

// DataDir returns the data directory the identity lives in.
func (i *Identity) DataDir() string { return i.dataDir }

// A single monotonic source keeps IDs generated within the same millisecond
// in lexical order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
