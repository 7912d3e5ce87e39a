package transferengine

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/transferproto"
)

// readFileReq reads the FILE_REQ frame a SendFile call writes as its first
// message, decoding it the way a session's generic frame dispatch would
// before handing the connection to ReceiveIncoming.
func readFileReq(_ net.Conn, server net.Conn) (map[string]any, error) {
	return framing.ReadJSON(server)
}

func newTestEngine(t *testing.T, sessionsDir string) *Engine {
	t.Helper()
	return &Engine{
		log:         zap.NewNop(),
		sessionsDir: sessionsDir,
		auditDir:    filepath.Join(sessionsDir, "audit"),
		shareMap: map[string]config.Share{
			"docs": {Name: "docs", Path: filepath.Join(sessionsDir, "docs-root")},
		},
		queues: make(map[string]chan *Task),
		tasks:  make(map[uint64]*Task),
		stopCh: make(chan struct{}),
	}
}

func TestBackoffDelayClampsToLastEntry(t *testing.T) {
	backoff := []float64{1, 3, 10}
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 3 * time.Second},
		{3, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(backoff, c.retries); got != c.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", backoff, c.retries, got, c.want)
		}
	}
}

func TestBackoffDelayEmptyBackoffIsZero(t *testing.T) {
	if got := backoffDelay(nil, 5); got != 0 {
		t.Errorf("backoffDelay(nil, 5) = %v, want 0", got)
	}
}

func TestPersistStatesThenLoadPersistedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	e.tasks[1] = &Task{TaskID: 1, PeerID: "peer-a", Share: "docs", RelativePath: "a.txt", Status: StatusQueued, TotalBytes: 10}
	e.tasks[2] = &Task{TaskID: 2, PeerID: "peer-a", Share: "docs", RelativePath: "b.txt", Status: StatusSuccess, TotalBytes: 20, BytesDone: 20}

	if err := e.persistStates(); err != nil {
		t.Fatalf("persistStates: %v", err)
	}

	fresh := newTestEngine(t, dir)
	if err := fresh.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}

	if len(fresh.tasks) != 2 {
		t.Fatalf("LoadPersisted reconstituted %d tasks, want 2", len(fresh.tasks))
	}
	task1 := fresh.tasks[1]
	if task1.Status != StatusQueued || task1.RelativePath != "a.txt" {
		t.Errorf("task 1 = %+v", task1)
	}
	wantAbsolute := filepath.Join(dir, "docs-root", "a.txt")
	if task1.AbsolutePath != wantAbsolute {
		t.Errorf("AbsolutePath = %q, want %q", task1.AbsolutePath, wantAbsolute)
	}
	if fresh.taskSeq != 2 {
		t.Errorf("taskSeq = %d, want 2 (max of loaded task ids)", fresh.taskSeq)
	}
}

func TestLoadPersistedWithNoSnapshotIsNoOp(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	if err := e.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(e.tasks) != 0 {
		t.Errorf("tasks = %v, want none when no queue.json exists", e.tasks)
	}
}

func TestCancelMarksTaskAndWritesFlagFile(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	e.tasks[1] = &Task{TaskID: 1, PeerID: "peer-a", Share: "docs", RelativePath: "a.txt", Status: StatusQueued}

	ok, err := e.Cancel(1)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel returned false for a known task")
	}
	if e.tasks[1].Status != StatusCancelled {
		t.Errorf("task status = %q, want cancelled", e.tasks[1].Status)
	}
	if !e.consumeCancelFlag(1) {
		t.Error("expected cancel flag file to exist after Cancel")
	}
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ok, err := e.Cancel(999)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Error("Cancel returned true for an unregistered task id")
	}
}

func TestResolveFileRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	if err := os.MkdirAll(e.shareMap["docs"].Path, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.shareMap["docs"].Path, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, _, _, err := e.resolveFile("docs", "../escape.txt", 0); err == nil {
		t.Fatal("expected error for path escaping the share root")
	}
}

func TestResolveFileUnknownShare(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	if _, _, _, err := e.resolveFile("missing-share", "a.txt", 0); err == nil {
		t.Fatal("expected error for unknown share")
	}
}

func TestReceiveIncomingAcceptsAllowedShare(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	shareRoot := e.shareMap["docs"].Path
	if err := os.MkdirAll(shareRoot, 0o755); err != nil {
		t.Fatalf("setup share root: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "note.txt")
	content := []byte("inbound file contents")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sendDone := make(chan error, 1)
	go func() {
		_, err := transferproto.SendFile(clientConn, srcPath, "docs", "note.txt", transferproto.SendOptions{ChunkSize: 64 * 1024, MaxRetries: 3})
		sendDone <- err
	}()

	fileReq, err := readFileReq(clientConn, serverConn)
	if err != nil {
		t.Fatalf("read FILE_REQ: %v", err)
	}

	if err := e.ReceiveIncoming(serverConn, "peer-a", fileReq, []string{"docs"}); err != nil {
		t.Fatalf("ReceiveIncoming: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(shareRoot, "note.txt"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("delivered file = %q, want %q", got, content)
	}
}

func TestReceiveIncomingRejectsDisallowedShare(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	if err := os.MkdirAll(e.shareMap["docs"].Path, 0o755); err != nil {
		t.Fatalf("setup share root: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(srcPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go transferproto.SendFile(clientConn, srcPath, "docs", "note.txt", transferproto.SendOptions{ChunkSize: 64 * 1024})

	fileReq, err := readFileReq(clientConn, serverConn)
	if err != nil {
		t.Fatalf("read FILE_REQ: %v", err)
	}

	if err := e.ReceiveIncoming(serverConn, "peer-a", fileReq, nil); err == nil {
		t.Fatal("expected ReceiveIncoming to reject a share not in allowedShares")
	}
}
