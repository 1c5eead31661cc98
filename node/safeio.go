package node

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/veilnet/node/consensus"
)

func readFileByPath(path string) ([]byte, error) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	return readFileFromDir(dir, name)
}

func readFileFromDir(dir, name string) ([]byte, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid file name: %q", name)
	}
	return fs.ReadFile(os.DirFS(dir), name)
}

// LoadGenesisBlock reads and decodes a network's genesis block from an
// out-of-band distributed file, rejecting any path whose base name tries to
// escape its containing directory.
func LoadGenesisBlock(path string) (*consensus.Block, error) {
	raw, err := readFileByPath(path)
	if err != nil {
		return nil, fmt.Errorf("node: read genesis file: %w", err)
	}
	block, err := consensus.DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("node: decode genesis file: %w", err)
	}
	return &block, nil
}
