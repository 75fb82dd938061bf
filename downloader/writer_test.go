package downloader

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePage_ConcurrentWritesOfSamePage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manga", "chapter", "001.png")
	data := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 1<<18)

	const writers = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- writePage(path, data)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}
