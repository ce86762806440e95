// Package fileassembler implements the consumer-side file assembler:
// writes incoming Chunk messages to disk and finalises to the
// configured destination provider.
package fileassembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/estuary/federator/internal/ferrors"
	"github.com/estuary/federator/internal/filestore"
	"github.com/estuary/federator/internal/metrics"
	"github.com/estuary/federator/internal/wire"
	log "github.com/sirupsen/logrus"
)

// fileKey identifies one in-progress assembly: (sanitised file name, sequence id).
type fileKey struct {
	name       string
	sequenceID int64
}

// assembly tracks one file's in-progress write.
type assembly struct {
	mu       sync.Mutex
	f        *os.File
	partPath string
	written  int64
}

// Assembler writes Chunk streams to a temp directory and hands finished
// files to a destination filestore.Provider. Safe for concurrent Accept
// calls across different files.
type Assembler struct {
	TempDir     string
	Destination filestore.Provider
	DestRef     func(fileName string) filestore.SourceRef

	mu         sync.Mutex
	assemblies map[fileKey]*assembly
}

// New constructs an Assembler rooted at tempDir; tempDir/.parts holds
// in-progress files.
func New(tempDir string, destination filestore.Provider, destRef func(string) filestore.SourceRef) *Assembler {
	return &Assembler{
		TempDir:     tempDir,
		Destination: destination,
		DestRef:     destRef,
		assemblies:  make(map[fileKey]*assembly),
	}
}

func sanitiseName(name string) string {
	return filepath.Base(name)
}

func (a *Assembler) partsDir() string { return filepath.Join(a.TempDir, ".parts") }

// Accept processes one Chunk message, creating the assembly on first
// chunk and finalising it on the last.
func (a *Assembler) Accept(ctx context.Context, chunk *wire.Chunk) error {
	var name = sanitiseName(chunk.FileName)
	var key = fileKey{name: name, sequenceID: chunk.FileSequenceID}

	var asm, err = a.assemblyFor(key, name)
	if err != nil {
		return err
	}

	asm.mu.Lock()
	defer asm.mu.Unlock()

	if len(chunk.ChunkData) > 0 {
		if _, err := asm.f.Write(chunk.ChunkData); err != nil {
			return fmt.Errorf("writing chunk %d of %q: %w", chunk.ChunkIndex, name, err)
		}
		asm.written += int64(len(chunk.ChunkData))
	}

	if !chunk.IsLastChunk {
		return nil
	}

	a.mu.Lock()
	delete(a.assemblies, key)
	a.mu.Unlock()

	return a.finalise(ctx, asm, name, chunk)
}

func (a *Assembler) assemblyFor(key fileKey, name string) (*assembly, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if asm, ok := a.assemblies[key]; ok {
		return asm, nil
	}

	if err := os.MkdirAll(a.partsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating parts directory: %w", err)
	}
	var partPath = filepath.Join(a.partsDir(), fmt.Sprintf("%s.%d.part", name, key.sequenceID))
	var f, err = os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("creating part file %s: %w", partPath, err)
	}

	var asm = &assembly{f: f, partPath: partPath}
	a.assemblies[key] = asm
	return asm, nil
}

func (a *Assembler) finalise(ctx context.Context, asm *assembly, name string, chunk *wire.Chunk) error {
	if err := asm.f.Close(); err != nil {
		return fmt.Errorf("closing part file %s: %w", asm.partPath, err)
	}

	if chunk.FileChecksum != "" {
		var sum, err = sha256File(asm.partPath)
		if err != nil {
			return err
		}
		if sum != chunk.FileChecksum {
			os.Remove(asm.partPath)
			metrics.FileAssemblyFailures.WithLabelValues("checksum").Inc()
			return ferrors.Wrap(ferrors.Integrity, fmt.Errorf("checksum mismatch for %q: got %s, want %s", name, sum, chunk.FileChecksum))
		}
	}
	if chunk.FileSize >= 0 && asm.written != chunk.FileSize {
		os.Remove(asm.partPath)
		metrics.FileAssemblyFailures.WithLabelValues("size").Inc()
		return ferrors.Wrap(ferrors.Integrity, fmt.Errorf("size mismatch for %q: wrote %d bytes, want %d", name, asm.written, chunk.FileSize))
	}

	var finalPath = filepath.Join(a.TempDir, name)
	if err := os.Rename(asm.partPath, finalPath); err != nil {
		log.WithFields(log.Fields{"file": name, "error": err}).Debug("atomic move rejected, falling back to copy-and-remove")
		if err := copyAndRemove(asm.partPath, finalPath); err != nil {
			return fmt.Errorf("finalising %q: %w", name, err)
		}
	}

	return a.handOff(ctx, finalPath, name)
}

// handOff uploads the finalised file to the destination provider and
// best-effort removes the local copy on success.
func (a *Assembler) handOff(ctx context.Context, finalPath, name string) error {
	if a.Destination == nil {
		return nil
	}
	var ref = a.DestRef(name)
	if err := a.Destination.Upload(ctx, finalPath, ref); err != nil {
		return fmt.Errorf("handing off %q to destination provider: %w", name, err)
	}
	os.Remove(finalPath)
	return nil
}

func sha256File(path string) (string, error) {
	var f, err = os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reopening %s for checksum: %w", path, err)
	}
	defer f.Close()

	var h = sha256.New()
	var buf = make([]byte, 32*1024)
	for {
		var n, readErr = f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("reading %s for checksum: %w", path, readErr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyAndRemove(src, dst string) error {
	var data, err = os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}
