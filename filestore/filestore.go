package filestore

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/pdu"
)

// ErrDirectoryTraversal indicates a protocol path trying to escape the
// filestore root.
var ErrDirectoryTraversal = errors.New("filestore: path contains directory traversal")

// ErrUnknownAction indicates an unrecognized filestore request action.
var ErrUnknownAction = errors.New("filestore: unknown request action")

// File is the handle type returned by a FileStore. Offset-addressed reads
// and writes keep segment re-delivery idempotent.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Reader
	io.Closer
}

// FileStore is the filesystem capability consumed by the engine.
type FileStore interface {
	// Open opens an existing file for reading.
	Open(path string) (File, error)

	// Create creates or truncates a file for writing.
	Create(path string) (File, error)

	// Size reports the size in bytes of an existing file.
	Size(path string) (uint64, error)

	// Rename moves a file within the store.
	Rename(oldPath, newPath string) error

	// Delete removes a file.
	Delete(path string) error

	// List enumerates the entries of a directory.
	List(path string) ([]string, error)

	// NativePath maps a protocol path to the host filesystem path.
	NativePath(path string) string

	// Execute performs one filestore side-request.
	Execute(req pdu.FileStoreRequest) error
}

// NativeFileStore implements FileStore on the host filesystem, rooted at a
// directory fixed at construction.
type NativeFileStore struct {
	root string
}

// NewNativeFileStore returns a store rooted at root, creating it if needed.
func NewNativeFileStore(root string) (*NativeFileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating filestore root")
	}
	return &NativeFileStore{root: root}, nil
}

// resolve validates a protocol path and maps it under the root.
func (fs *NativeFileStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(path))
	if strings.Contains(cleaned, "..") {
		return "", ErrDirectoryTraversal
	}
	return filepath.Join(fs.root, cleaned), nil
}

// Open opens an existing file for reading.
func (fs *NativeFileStore) Open(path string) (File, error) {
	native, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(native)
	return f, errors.Wrapf(err, "opening %q", path)
}

// Create creates or truncates a file for writing, creating parent
// directories as needed.
func (fs *NativeFileStore) Create(path string) (File, error) {
	native, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(native), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating parent of %q", path)
	}
	f, err := os.Create(native)
	return f, errors.Wrapf(err, "creating %q", path)
}

// Size reports the size in bytes of an existing file.
func (fs *NativeFileStore) Size(path string) (uint64, error) {
	native, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(native)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %q", path)
	}
	return uint64(info.Size()), nil
}

// Rename moves a file within the store.
func (fs *NativeFileStore) Rename(oldPath, newPath string) error {
	from, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := fs.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent of %q", newPath)
	}
	return errors.Wrapf(os.Rename(from, to), "renaming %q to %q", oldPath, newPath)
}

// Delete removes a file.
func (fs *NativeFileStore) Delete(path string) error {
	native, err := fs.resolve(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.Remove(native), "removing %q", path)
}

// List enumerates the entries of a directory.
func (fs *NativeFileStore) List(path string) ([]string, error) {
	native, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(native)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// NativePath maps a protocol path to the host filesystem path. Traversal
// attempts map to the root itself rather than escaping it.
func (fs *NativeFileStore) NativePath(path string) string {
	native, err := fs.resolve(path)
	if err != nil {
		return fs.root
	}
	return native
}

// Execute performs one filestore side-request.
func (fs *NativeFileStore) Execute(req pdu.FileStoreRequest) error {
	logrus.WithFields(logrus.Fields{
		"action": req.Action,
		"first":  req.First,
		"second": req.Second,
	}).Debug("executing filestore request")

	switch req.Action {
	case pdu.ActionCreateFile:
		f, err := fs.Create(req.First)
		if err != nil {
			return err
		}
		return f.Close()
	case pdu.ActionDeleteFile:
		return fs.Delete(req.First)
	case pdu.ActionRenameFile:
		return fs.Rename(req.First, req.Second)
	case pdu.ActionCreateDirectory:
		native, err := fs.resolve(req.First)
		if err != nil {
			return err
		}
		return errors.Wrapf(os.MkdirAll(native, 0o755), "creating directory %q", req.First)
	case pdu.ActionRemoveDirectory:
		native, err := fs.resolve(req.First)
		if err != nil {
			return err
		}
		return errors.Wrapf(os.Remove(native), "removing directory %q", req.First)
	default:
		return errors.Wrapf(ErrUnknownAction, "action %d", req.Action)
	}
}
