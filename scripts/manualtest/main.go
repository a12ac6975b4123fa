package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jaywantadh/DisktroDrop/internal/datagram"
	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/storage"
	"github.com/jaywantadh/DisktroDrop/internal/stream"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
	"github.com/jaywantadh/DisktroDrop/pkg/logging"
)

func checksumOf(src io.ReadCloser, err error) (string, error) {
	if err != nil {
		return "", err
	}
	defer src.Close()
	sum := transfer.NewChecksum()
	if _, err := io.Copy(sum, src); err != nil {
		return "", err
	}
	return sum.Hex(), nil
}

// Sends one file over every transport and wire mode on loopback and compares
// what arrives with the original. Usage: manualtest [file]
func main() {
	logging.InitLogger(false)

	workDir, err := os.MkdirTemp("", "disktrodrop-manual")
	if err != nil {
		fmt.Printf("❌ Temp dir failed: %v\n", err)
		return
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "test.jpg")
	if len(os.Args) > 1 {
		inputPath = os.Args[1]
	} else if err := writeSample(inputPath, 10000); err != nil {
		fmt.Printf("❌ Sample file failed: %v\n", err)
		return
	}

	origHash, err := checksumOf(os.Open(inputPath))
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", inputPath)
	fmt.Printf("🔑 Original BLAKE2b: %s\n", origHash)

	ms, err := metadata.OpenMetadataStore(filepath.Join(workDir, "metadata"))
	if err != nil {
		fmt.Printf("❌ Metadata store init failed: %v\n", err)
		return
	}
	defer ms.Close()

	reply := transfer.StaticReply("Thanks!\nBye!\n")
	for _, tr := range []transfer.Transport{transfer.TransportStream, transfer.TransportDatagram} {
		for _, mode := range []transfer.Mode{transfer.ModeRaw, transfer.ModeFramed} {
			outDir := filepath.Join(workDir, fmt.Sprintf("%s-%s", tr, mode))
			store, err := storage.NewLocalStorage(outDir)
			if err != nil {
				fmt.Printf("❌ Storage init failed: %v\n", err)
				return
			}

			got, err := roundTrip(tr, mode, store, ms, reply, inputPath)
			if err != nil {
				fmt.Printf("❌ %s/%s transfer failed: %v\n", tr, mode, err)
				continue
			}
			reHash, err := checksumOf(store.Open(filepath.Base(inputPath)))
			if err != nil {
				fmt.Printf("❌ %s/%s failed hashing received file: %v\n", tr, mode, err)
				continue
			}

			if reHash == origHash && string(got) == string(reply) {
				fmt.Printf("✅ %s/%s: received file and reply match\n", tr, mode)
			} else {
				fmt.Printf("❌ %s/%s: MISMATCH (hash %s, reply %q)\n", tr, mode, reHash, got)
			}
		}
	}

	records, err := ms.ListTransfers()
	if err == nil {
		fmt.Printf("🗂️  Recorded transfers: %d\n", len(records))
	}
}

func roundTrip(tr transfer.Transport, mode transfer.Mode, store *storage.LocalStorage, ms *metadata.MetadataStore, reply transfer.ReplySource, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if tr == transfer.TransportDatagram {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		receiver := &datagram.Receiver{Storage: store, Reply: reply, Mode: mode, Metadata: ms}
		go receiver.Serve(ctx, conn)

		sender := &datagram.Sender{Mode: mode, Timeout: 5 * time.Second}
		_, got, err := sender.SendFile(ctx, conn.LocalAddr().String(), path)
		return got, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	receiver := &stream.Receiver{Storage: store, Reply: reply, Mode: mode, Metadata: ms}
	go receiver.Serve(ctx, ln)

	sender := &stream.Sender{Mode: mode, Compress: mode == transfer.ModeFramed, Timeout: 5 * time.Second}
	_, got, err := sender.SendFile(ctx, ln.Addr().String(), path)
	return got, err
}

func writeSample(path string, size int) error {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return err
	}
	fmt.Printf("🎲 Generated %d random bytes (%s...)\n", size, hex.EncodeToString(data[:8]))
	return os.WriteFile(path, data, 0o644)
}
