// Package transferproto implements the FILE_REQ/FILE_META/CHUNK/CHUNK_ACK/
// FILE_END streaming protocol, including the plain, unsalted SHA-256
// end-to-end and per-chunk integrity hashes. This hash is distinct from
// internal/hashing's salted manifest digest.
package transferproto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/keymesherr"
)

// TypeFileReq is the frame type that opens a transfer. Exported so a
// connection's generic message dispatch can recognize a pushed file
// before handing the connection to ReceiveFile.
const TypeFileReq = "FILE_REQ"

const (
	typeFileReq  = TypeFileReq
	typeFileMeta = "FILE_META"
	typeChunk    = "CHUNK"
	typeChunkAck = "CHUNK_ACK"
	typeFileEnd  = "FILE_END"
)

// ProgressFunc is called after each chunk is acknowledged (sender) or
// written (receiver): delta is the chunk's byte count, chunks counts the
// chunks handled by this call so far, and bytesTotal is the byte position
// reached in the file, resume offset included.
type ProgressFunc func(delta int, chunks int, bytesTotal int64)

// SendOptions configures SendFile.
type SendOptions struct {
	ChunkSize            int
	ResumeOffset         int64
	RateLimitBytesPerSec int64
	MaxRetries           int
	RetryBackoff         []float64
	Progress             ProgressFunc
}

// SendResult summarizes a completed send.
type SendResult struct {
	Bytes   int64
	Chunks  int
	Elapsed time.Duration
}

func backoffDelay(backoff []float64, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(backoff[idx] * float64(time.Second))
}

// SendFile streams filePath to conn under the transfer protocol, resuming
// from the greater of opts.ResumeOffset and whatever the receiver reports
// in FILE_META.
func SendFile(conn io.ReadWriter, filePath, shareName, relativePath string, opts SendOptions) (SendResult, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	totalSize, totalHash, err := wholeFileHash(filePath, chunkSize)
	if err != nil {
		return SendResult{}, err
	}

	start := time.Now()
	err = framing.WriteJSON(conn, map[string]any{
		"type":          typeFileReq,
		"file":          relativePath,
		"size":          totalSize,
		"mode":          "push",
		"resume_offset": opts.ResumeOffset,
		"hash":          totalHash,
		"share":         shareName,
		"chunk_size":    chunkSize,
	})
	if err != nil {
		return SendResult{}, err
	}

	meta, err := framing.ReadJSON(conn)
	if err != nil {
		return SendResult{}, &keymesherr.ProtocolError{Msg: "failed to receive FILE_META", Cause: err}
	}
	if t, _ := meta["type"].(string); t != typeFileMeta {
		return SendResult{}, &keymesherr.ProtocolError{Msg: fmt.Sprintf("unexpected response type: %v", meta)}
	}
	if status, _ := meta["status"].(string); status != "ok" {
		reason, _ := meta["error"].(string)
		if reason == "" {
			reason = "FILE_META rejected"
		}
		return SendResult{}, &keymesherr.ProtocolError{Msg: reason}
	}
	remoteResume := asInt64(meta["resume_offset"])
	startOffset := opts.ResumeOffset
	if remoteResume > startOffset {
		startOffset = remoteResume
	}

	f, err := os.Open(filePath)
	if err != nil {
		return SendResult{}, &keymesherr.IoError{Op: "open", Path: filePath, Cause: err}
	}
	defer f.Close()
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return SendResult{}, &keymesherr.IoError{Op: "seek", Path: filePath, Cause: err}
		}
	}

	sentBytes := startOffset
	sentChunks := 0
	chunkIndex := startOffset / int64(chunkSize)
	buf := make([]byte, chunkSize)

	for {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		data := buf[:n]
		chunkHash := hashChunk(data)
		header := map[string]any{
			"type":   typeChunk,
			"file":   relativePath,
			"share":  shareName,
			"chunk":  chunkIndex,
			"offset": sentBytes,
			"size":   len(data),
			"hash":   chunkHash,
		}

		if err := sendChunkWithRetry(conn, header, data, chunkIndex, opts); err != nil {
			return SendResult{}, err
		}

		sentBytes += int64(len(data))
		sentChunks++
		chunkIndex++
		if opts.Progress != nil {
			opts.Progress(len(data), sentChunks, sentBytes)
		}

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			return SendResult{}, &keymesherr.IoError{Op: "read", Path: filePath, Cause: readErr}
		}
	}

	if err := framing.WriteJSON(conn, map[string]any{
		"type":  typeFileEnd,
		"file":  relativePath,
		"share": shareName,
		"hash":  totalHash,
		"bytes": totalSize,
	}); err != nil {
		return SendResult{}, err
	}
	endAck, err := framing.ReadJSON(conn)
	if err != nil {
		return SendResult{}, &keymesherr.ProtocolError{Msg: "failed to receive FILE_END ack", Cause: err}
	}
	if t, _ := endAck["type"].(string); t != typeFileEnd {
		return SendResult{}, &keymesherr.ProtocolError{Msg: "transfer failed: unexpected FILE_END reply"}
	}
	if status, _ := endAck["status"].(string); status != "ok" {
		reason, _ := endAck["error"].(string)
		if reason == "" {
			reason = "transfer failed"
		}
		return SendResult{}, &keymesherr.ProtocolError{Msg: reason}
	}

	return SendResult{Bytes: sentBytes, Chunks: sentChunks, Elapsed: time.Since(start)}, nil
}

func sendChunkWithRetry(conn io.ReadWriter, header map[string]any, data []byte, chunkIndex int64, opts SendOptions) error {
	attempt := 0
	for {
		if err := framing.WriteJSON(conn, header); err != nil {
			return err
		}
		if err := framing.WriteRaw(conn, data); err != nil {
			return err
		}
		if opts.RateLimitBytesPerSec > 0 {
			sleepFor := time.Duration(float64(len(data)) / float64(opts.RateLimitBytesPerSec) * float64(time.Second))
			if sleepFor > 0 {
				time.Sleep(sleepFor)
			}
		}

		ack, err := framing.ReadJSON(conn)
		if err != nil {
			attempt++
			if attempt >= opts.MaxRetries {
				return &keymesherr.ProtocolError{Msg: fmt.Sprintf("chunk %d ack mismatch: %v", chunkIndex, err)}
			}
			time.Sleep(backoffDelay(opts.RetryBackoff, attempt))
			continue
		}
		ackType, _ := ack["type"].(string)
		ackChunk := asInt64(ack["chunk"])
		if ackType != typeChunkAck || ackChunk != chunkIndex {
			attempt++
			if attempt >= opts.MaxRetries {
				return &keymesherr.ProtocolError{Msg: fmt.Sprintf("chunk %d ack mismatch: %v", chunkIndex, ack)}
			}
			time.Sleep(backoffDelay(opts.RetryBackoff, attempt))
			continue
		}
		if status, _ := ack["status"].(string); status != "ok" {
			reason, _ := ack["error"].(string)
			if reason == "" {
				reason = "chunk rejected"
			}
			attempt++
			if attempt >= opts.MaxRetries {
				return &keymesherr.ProtocolError{Msg: reason}
			}
			time.Sleep(backoffDelay(opts.RetryBackoff, attempt))
			continue
		}
		return nil
	}
}

func wholeFileHash(filePath string, chunkSize int) (int64, string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, "", &keymesherr.IoError{Op: "open", Path: filePath, Cause: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", &keymesherr.IoError{Op: "stat", Path: filePath, Cause: err}
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, "", &keymesherr.IoError{Op: "read", Path: filePath, Cause: err}
		}
	}
	return info.Size(), "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

// ReceiveOptions configures ReceiveFile.
type ReceiveOptions struct {
	InitialRequest       map[string]any
	ResumeOffset         int64
	ExpectedMode         string
	ChunkSize            int
	RateLimitBytesPerSec int64
	Progress             ProgressFunc
}

// ReceiveResult summarizes a completed receive.
type ReceiveResult struct {
	Bytes int64
	Chunks int
	Size   int64
	Share  string
	File   string
}

// ReceiveFile accepts a file under the transfer protocol, writing to
// outPath (expected to carry a ".part" suffix; the caller renames it into
// place once finalized). Chunks must arrive with consecutive ids starting
// at the clamped resume offset's chunk boundary; an out-of-order chunk id
// is rejected as a ProtocolError rather than silently accepted.
func ReceiveFile(conn io.ReadWriter, outPath string, opts ReceiveOptions) (ReceiveResult, error) {
	var fileReq map[string]any
	var err error
	if opts.InitialRequest != nil {
		fileReq = opts.InitialRequest
	} else {
		fileReq, err = framing.ReadJSON(conn)
		if err != nil {
			return ReceiveResult{}, &keymesherr.ProtocolError{Msg: "failed to receive FILE_REQ", Cause: err}
		}
	}
	if t, _ := fileReq["type"].(string); t != typeFileReq {
		return ReceiveResult{}, &keymesherr.ProtocolError{Msg: fmt.Sprintf("unexpected frame: %v", fileReq)}
	}
	expectedMode := opts.ExpectedMode
	if expectedMode == "" {
		expectedMode = "push"
	}
	if mode, _ := fileReq["mode"].(string); mode != expectedMode {
		return ReceiveResult{}, &keymesherr.ProtocolError{Msg: "unsupported transfer mode"}
	}
	shareName, _ := fileReq["share"].(string)
	relativePath, _ := fileReq["file"].(string)
	remoteSize := asInt64(fileReq["size"])

	chunkSize := int(asInt64(fileReq["chunk_size"]))
	if chunkSize <= 0 {
		chunkSize = opts.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return ReceiveResult{}, &keymesherr.IoError{Op: "mkdir", Path: filepath.Dir(outPath), Cause: err}
	}

	existingBytes, existingData, fileExists := readExisting(outPath)
	resumeOffset := opts.ResumeOffset
	if resumeOffset > 0 && fileExists && existingBytes < resumeOffset {
		resumeOffset = existingBytes
	}
	if !fileExists {
		resumeOffset = 0
	}

	// Clamp before replying, per the protocol's explicit ordering: the
	// receiver must report the offset it actually holds, not the one the
	// sender hoped for.
	if err := framing.WriteJSON(conn, map[string]any{
		"type":          typeFileMeta,
		"status":        "ok",
		"resume_offset": resumeOffset,
	}); err != nil {
		return ReceiveResult{}, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if !fileExists {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(outPath, flags, 0o644)
	if err != nil {
		return ReceiveResult{}, &keymesherr.IoError{Op: "open", Path: outPath, Cause: err}
	}
	defer f.Close()

	wholeHash := sha256.New()
	if resumeOffset > 0 {
		wholeHash.Write(existingData[:resumeOffset])
	}
	if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
		return ReceiveResult{}, &keymesherr.IoError{Op: "seek", Path: outPath, Cause: err}
	}

	receivedBytes := resumeOffset
	receivedChunks := 0
	expectedChunk := resumeOffset / int64(chunkSize)

	for {
		header, err := framing.ReadJSON(conn)
		if err != nil {
			return ReceiveResult{}, &keymesherr.ProtocolError{Msg: "failed to receive frame", Cause: err}
		}
		frameType, _ := header["type"].(string)

		if frameType == typeFileEnd {
			claimedHash, _ := header["hash"].(string)
			computedHash := "sha256:" + hex.EncodeToString(wholeHash.Sum(nil))
			if computedHash != claimedHash {
				return ReceiveResult{}, &keymesherr.ChecksumError{Expected: claimedHash, Actual: computedHash}
			}
			if err := framing.WriteJSON(conn, map[string]any{
				"type": typeFileEnd, "status": "ok", "bytes": receivedBytes,
			}); err != nil {
				return ReceiveResult{}, err
			}
			break
		}
		if frameType != typeChunk {
			return ReceiveResult{}, &keymesherr.ProtocolError{Msg: fmt.Sprintf("unexpected frame type: %v", header)}
		}

		chunkID := asInt64(header["chunk"])
		size := int(asInt64(header["size"]))
		expectedHash, _ := header["hash"].(string)

		payload, err := framing.ReadRaw(conn, size)
		if err != nil {
			return ReceiveResult{}, err
		}

		if chunkID != expectedChunk {
			framing.WriteJSON(conn, map[string]any{
				"type": typeChunkAck, "chunk": chunkID, "status": "error", "error": "out of order chunk",
			})
			return ReceiveResult{}, &keymesherr.ProtocolError{Msg: fmt.Sprintf("out of order chunk: expected %d got %d", expectedChunk, chunkID)}
		}
		if !VerifyChunk(payload, expectedHash) {
			return ReceiveResult{}, &keymesherr.ChecksumError{Expected: expectedHash, Actual: hashChunk(payload)}
		}

		if _, err := f.Write(payload); err != nil {
			return ReceiveResult{}, &keymesherr.IoError{Op: "write", Path: outPath, Cause: err}
		}
		wholeHash.Write(payload)
		receivedBytes += int64(len(payload))
		receivedChunks++
		expectedChunk++

		if err := framing.WriteJSON(conn, map[string]any{
			"type": typeChunkAck, "chunk": chunkID, "status": "ok",
		}); err != nil {
			return ReceiveResult{}, err
		}

		if opts.RateLimitBytesPerSec > 0 {
			sleepFor := time.Duration(float64(len(payload)) / float64(opts.RateLimitBytesPerSec) * float64(time.Second))
			if sleepFor > 0 {
				time.Sleep(sleepFor)
			}
		}
		if opts.Progress != nil {
			opts.Progress(len(payload), receivedChunks, receivedBytes)
		}
	}

	return ReceiveResult{
		Bytes:  receivedBytes,
		Chunks: receivedChunks,
		Size:   remoteSize,
		Share:  shareName,
		File:   relativePath,
	}, nil
}

func readExisting(path string) (int64, []byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, false
	}
	return int64(len(data)), data, true
}
