package saver

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSaves(t *testing.T) {
	fakeFile := fakeWriterCloser{bytes.NewBufferString(""), "", false}
	fileSaver := LocalFileSaver{StoragePath: "/data/",
		OpenFileFunc: func(file string) (WriterCloser, error) {
			fakeFile.Name = file
			return &fakeFile, nil
		}}
	err := fileSaver.Save("file.mp3", strings.NewReader("body"))
	assert.Nil(t, err)
	assert.Equal(t, fakeFile.String(), "body")
	assert.Equal(t, fakeFile.Name, "/data/file.mp3")
	assert.True(t, fakeFile.Closed)
}

func TestFailsOnNoOpen(t *testing.T) {
	fakeFile := fakeWriterCloser{bytes.NewBufferString(""), "", false}
	fileSaver := LocalFileSaver{StoragePath: "",
		OpenFileFunc: func(file string) (WriterCloser, error) {
			return &fakeFile, errors.New("olia")
		}}
	err := fileSaver.Save("file.mp3", strings.NewReader("body"))
	assert.NotNil(t, err)
}

func TestChecksDirOnInit(t *testing.T) {
	_, err := NewLocalFileSaver(t.TempDir())
	assert.Nil(t, err)

	_, err = NewLocalFileSaver("")
	assert.NotNil(t, err)
}

func TestUniqueName(t *testing.T) {
	fs, err := NewLocalFileSaver(t.TempDir())
	assert.Nil(t, err)
	assert.Equal(t, "a.mp3", fs.UniqueName("a.mp3"))
	assert.Equal(t, "a_b.mp3", fs.UniqueName("a b.mp3"))
	assert.Equal(t, "a.mp3", fs.UniqueName("/some/dir/a.mp3"))
}

func TestUniqueName_Deconflicts(t *testing.T) {
	fs, err := NewLocalFileSaver(t.TempDir())
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(filepath.Join(fs.StoragePath, "a.mp3"), []byte("x"), 0644))
	assert.Equal(t, "a_1.mp3", fs.UniqueName("a.mp3"))
	assert.Nil(t, os.WriteFile(filepath.Join(fs.StoragePath, "a_1.mp3"), []byte("x"), 0644))
	assert.Equal(t, "a_2.mp3", fs.UniqueName("a.mp3"))
}

func TestContains(t *testing.T) {
	fs, err := NewLocalFileSaver(t.TempDir())
	assert.Nil(t, err)
	assert.True(t, fs.Contains(filepath.Join(fs.StoragePath, "a.mp3")))
	assert.True(t, fs.Contains(filepath.Join(fs.StoragePath, "sub", "a.mp3")))
	assert.False(t, fs.Contains("/somewhere/else/a.mp3"))
	assert.False(t, fs.Contains(filepath.Join(fs.StoragePath, "..", "a.mp3")))
}

type fakeWriterCloser struct {
	*bytes.Buffer
	Name   string
	Closed bool
}

func (t *fakeWriterCloser) Close() error {
	t.Closed = true
	return nil
}
