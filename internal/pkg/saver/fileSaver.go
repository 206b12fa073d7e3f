package saver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"github.com/pkg/errors"
)

//WriterCloser keeps Writer interface and close function
type WriterCloser interface {
	io.Writer
	Close() error
}

//OpenFileFunc declares function to open file by name and return Writer
type OpenFileFunc func(fileName string) (WriterCloser, error)

// LocalFileSaver saves media files into the static directory
type LocalFileSaver struct {
	// StoragePath is the static dir shared with the HTTP file server
	StoragePath  string
	OpenFileFunc OpenFileFunc
}

//NewLocalFileSaver creates LocalFileSaver instance
func NewLocalFileSaver(storagePath string) (*LocalFileSaver, error) {
	if storagePath == "" {
		return nil, errors.New("No storage path provided")
	}
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, errors.Wrap(err, "Can't create storage dir")
	}
	return &LocalFileSaver{StoragePath: storagePath, OpenFileFunc: openFile}, nil
}

// Save saves file to the static dir
func (fs *LocalFileSaver) Save(name string, reader io.Reader) error {
	fileName := filepath.Join(fs.StoragePath, name)
	f, err := fs.OpenFileFunc(fileName)
	if err != nil {
		return errors.Wrap(err, "Can not create file "+fileName)
	}
	defer f.Close()
	savedBytes, err := io.Copy(f, reader)
	if err != nil {
		return errors.Wrap(err, "Can not save file "+fileName)
	}
	cmdapp.Log.Infof("Saved file %s. Size = %d b", fileName, savedBytes)
	return nil
}

// UniqueName de-conflicts a basename inside the static dir by appending
// _1, _2, ... before the extension
func (fs *LocalFileSaver) UniqueName(base string) string {
	name := sanitizeBase(base)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	res := name
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(fs.StoragePath, res)); os.IsNotExist(err) {
			return res
		}
		res = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// Contains reports whether path points inside the static dir
func (fs *LocalFileSaver) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, err := filepath.Abs(fs.StoragePath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

//Healthy checks the storage dir is writable
func (fs *LocalFileSaver) Healthy() error {
	info, err := os.Stat(fs.StoragePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New(fs.StoragePath + " is not a directory")
	}
	return nil
}

func sanitizeBase(base string) string {
	res := filepath.Base(base)
	res = strings.ReplaceAll(res, " ", "_")
	return res
}

func openFile(fileName string) (WriterCloser, error) {
	return os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}
