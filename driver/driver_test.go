package driver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/storage/local"
	"github.com/creativeprojects/offmail/storage/mdir"
	"github.com/creativeprojects/offmail/storage/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "account"

type harness struct {
	t      *testing.T
	server *mem.Server
	store  storage.Store
	acct   *Account
	driver *Driver
	next   uint64
}

// newHarness creates a server with 3 messages in the INBOX, a flagged one, and one message
// in the trash, all refreshed into a local store
func newHarness(t *testing.T) *harness {
	t.Helper()
	server := mem.NewWithLogger(lib.NewTestLogger(t, "server"))
	server.AddFolder("INBOX")
	server.AddFolder("Archive")
	server.AddFolder("Trash", "\\Trash")
	for seq := uint32(1); seq <= 3; seq++ {
		_, err := server.AddMessage("INBOX", lib.GenerateEmail("a@example.com", "b@example.com", seq, 10, 20), nil, time.Now())
		require.NoError(t, err)
	}
	_, err := server.AddMessage("INBOX", lib.GenerateEmail("a@example.com", "b@example.com", 4, 10, 20), []string{"\\Flagged"}, time.Now())
	require.NoError(t, err)
	_, err = server.AddMessage("Trash", lib.GenerateEmail("a@example.com", "b@example.com", 10, 10, 20), nil, time.Now())
	require.NoError(t, err)

	store, err := local.NewBoltStoreWithLogger(filepath.Join(t.TempDir(), "store.db"), lib.NewTestLogger(t, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conn, err := server.Dial(context.Background())
	require.NoError(t, err)
	_, err = storage.Refresh(context.Background(), store, conn, testAccount, nil, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	server.ResetCalls()

	b := broker.New(broker.Config{
		AccountID: testAccount,
		Dialer:    server,
		Backoff: broker.NewBackoff(broker.BackoffConfig{
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			MaxFailures:       1,
			AttemptsPerSecond: 1000,
			Burst:             10,
		}),
		DebugLogger: lib.NewTestLogger(t, "broker"),
	})
	t.Cleanup(func() { _ = b.Close() })

	return &harness{
		t:      t,
		server: server,
		store:  store,
		acct: &Account{
			ID:     testAccount,
			Store:  store,
			Broker: b,
			Domain: "example.com",
			Log:    lib.NewTestLogger(t, "driver"),
		},
		driver: New(),
	}
}

func (h *harness) op(payload job.Payload) *job.Operation {
	h.next++
	return &job.Operation{
		LongtermID: job.NewLongtermID(testAccount, h.next),
		AccountID:  testAccount,
		Desire:     job.DesireDo,
		Payload:    payload,
	}
}

func (h *harness) localDo(op *job.Operation) error {
	return h.store.Update(func(tx storage.Tx) error {
		return h.driver.LocalDo(h.acct, tx, op)
	})
}

func (h *harness) localUndo(op *job.Operation) error {
	return h.store.Update(func(tx storage.Tx) error {
		return h.driver.LocalUndo(h.acct, tx, op)
	})
}

func (h *harness) execute(op *job.Operation) *Execution {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.driver.Execute(ctx, h.acct, op, job.MutationState{})
}

// undo flips the operation as the scheduler does, and runs both undo phases
func (h *harness) undo(op *job.Operation) *Execution {
	h.t.Helper()
	op.Status = job.StatusDone
	op.Desire = job.DesireUndo
	require.NoError(h.t, h.localUndo(op))
	return h.execute(op)
}

func (h *harness) folder(path string) *mailbox.Folder {
	h.t.Helper()
	var folder *mailbox.Folder
	err := h.store.View(func(tx storage.Tx) error {
		var err error
		folder, err = tx.FolderByPath(testAccount, path)
		return err
	})
	require.NoError(h.t, err)
	return folder
}

func (h *harness) headers(path string) []mailbox.Header {
	h.t.Helper()
	var headers []mailbox.Header
	err := h.store.View(func(tx storage.Tx) error {
		folder, err := tx.FolderByPath(testAccount, path)
		if err != nil {
			return err
		}
		headers, err = tx.Headers(testAccount, folder.ID)
		return err
	})
	require.NoError(h.t, err)
	return headers
}

func (h *harness) header(suid mailbox.SUID) (*mailbox.Header, error) {
	var header *mailbox.Header
	err := h.store.View(func(tx storage.Tx) error {
		var err error
		header, err = tx.Header(testAccount, suid)
		return err
	})
	return header, err
}

func (h *harness) message(path string, seq uint32) mailbox.SUID {
	h.t.Helper()
	for _, header := range h.headers(path) {
		if header.MessageID == lib.GenerateMessageID(seq) {
			return header.SUID
		}
	}
	h.t.Fatalf("message %d not found in %s", seq, path)
	return ""
}

func (h *harness) remote(path string, seq uint32) []storage.RemoteMessage {
	found := make([]storage.RemoteMessage, 0, 1)
	for _, message := range h.server.Messages(path) {
		if message.MessageID == lib.GenerateMessageID(seq) {
			found = append(found, message)
		}
	}
	return found
}

func TestSupports(t *testing.T) {
	d := New()
	for _, opType := range job.Types {
		assert.True(t, d.Supports(opType), opType)
	}
	assert.False(t, d.Supports(job.Type("expunge")))
}

func TestExecuteWithoutPayload(t *testing.T) {
	h := newHarness(t)
	exec := h.execute(h.op(nil))
	assert.ErrorIs(t, exec.Err, job.ErrGiveUp)
	assert.ErrorIs(t, exec.Err, ErrUnsupported)
}

func TestExecuteOffline(t *testing.T) {
	h := newHarness(t)
	h.server.SetOffline(true)
	op := h.op(&job.ModTags{
		Messages: []mailbox.SUID{h.message("INBOX", 1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, h.localDo(op))

	exec := h.execute(op)
	assert.ErrorIs(t, exec.Err, job.ErrAbortedRetry)
	assert.Equal(t, job.OutcomeAbortedRetry, job.Classify(exec.Err))
}

func TestModTagsUndoOnlyRevertsChanges(t *testing.T) {
	h := newHarness(t)
	suid := h.message("INBOX", 4)
	op := h.op(&job.ModTags{
		Messages: []mailbox.SUID{suid},
		AddTags:  []string{"\\Seen", "\\Flagged"},
	})
	require.NoError(t, h.localDo(op))
	payload := op.Payload.(*job.ModTags)
	assert.Equal(t, []string{"\\Seen"}, payload.Added[suid])

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, []string{"\\Flagged", "\\Seen"}, h.remote("INBOX", 4)[0].Flags)

	exec = h.undo(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, []string{"\\Flagged"}, h.remote("INBOX", 4)[0].Flags)
	header, err := h.header(suid)
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Flagged"}, header.Flags)
}

func TestModTagsCheckIsIdempotent(t *testing.T) {
	h := newHarness(t)
	op := h.op(&job.ModTags{Messages: []mailbox.SUID{h.message("INBOX", 1)}, AddTags: []string{"\\Seen"}})
	op.Status = job.StatusChecking
	exec := h.execute(op)
	assert.Equal(t, job.ModeCheck, exec.Mode)
	assert.Equal(t, job.CheckIdempotent, exec.Check)
	assert.Empty(t, h.server.Calls())
}

func TestMoveWithoutUIDPlus(t *testing.T) {
	h := newHarness(t)
	h.server.SetUIDPlus(false)
	source := h.message("INBOX", 1)
	archive := h.folder("Archive")
	op := h.op(&job.Move{Messages: []mailbox.SUID{source}, TargetFolder: archive.ID})
	require.NoError(t, h.localDo(op))

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.True(t, exec.Result.SaveSuggested)

	remote := h.remote("Archive", 1)
	require.Len(t, remote, 1)
	assert.Empty(t, h.remote("INBOX", 1))
	payload := op.Payload.(*job.Move)
	dst := payload.MoveMap[source]
	assert.Equal(t, remote[0].UID, payload.ServerIDMap[dst])
	assert.Equal(t, remote[0].UID, exec.Delta.SUIDToServerID[dst])
	assert.True(t, payload.Completed[source])

	header, err := h.header(dst)
	require.NoError(t, err)
	assert.Equal(t, remote[0].UID, header.ServerID)
}

func TestMoveToUnknownFolderIsMoot(t *testing.T) {
	h := newHarness(t)
	op := h.op(&job.Move{Messages: []mailbox.SUID{h.message("INBOX", 1)}, TargetFolder: "404"})
	err := h.localDo(op)
	assert.ErrorIs(t, err, job.ErrMoot)
}

func TestMoveCheckRevertsHalfDoneMoveWhenUndoing(t *testing.T) {
	h := newHarness(t)
	source := h.message("INBOX", 2)
	archive := h.folder("Archive")
	op := h.op(&job.Move{Messages: []mailbox.SUID{source}, TargetFolder: archive.ID})
	require.NoError(t, h.localDo(op))

	// the copy reached the server, not the deletion
	conn, err := h.server.Dial(context.Background())
	require.NoError(t, err)
	_, err = conn.CopyMessages("INBOX", []uint32{h.remote("INBOX", 2)[0].UID}, "Archive")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	op.Status = job.StatusChecking
	op.Desire = job.DesireUndo
	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, job.CheckNotYet, exec.Check)
	assert.Empty(t, h.remote("Archive", 2))
	assert.Len(t, h.remote("INBOX", 2), 1)
}

func TestCopyAndUndo(t *testing.T) {
	h := newHarness(t)
	source := h.message("INBOX", 3)
	archive := h.folder("Archive")
	op := h.op(&job.Copy{Messages: []mailbox.SUID{source}, TargetFolder: archive.ID})
	require.NoError(t, h.localDo(op))
	assert.Len(t, h.headers("Archive"), 1)
	assert.Len(t, h.headers("INBOX"), 4)

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.Len(t, h.remote("Archive", 3), 1)
	assert.Len(t, h.remote("INBOX", 3), 1)

	op.Status = job.StatusChecking
	exec = h.execute(op)
	assert.Equal(t, job.CheckHappened, exec.Check)

	exec = h.undo(op)
	require.NoError(t, exec.Err)
	assert.Empty(t, h.remote("Archive", 3))
	assert.Len(t, h.remote("INBOX", 3), 1)
	assert.Empty(t, h.headers("Archive"))
}

func TestDeleteFromTrashIsPermanentAndRestored(t *testing.T) {
	h := newHarness(t)
	suid := h.message("Trash", 10)

	// the body is needed to restore the message
	exec := h.execute(h.op(&job.Download{Message: suid}))
	require.NoError(t, exec.Err)
	body, ok := exec.Result.Value.([]byte)
	require.True(t, ok)
	assert.Contains(t, string(body), lib.GenerateMessageID(10))

	op := h.op(&job.Delete{Move: job.Move{Messages: []mailbox.SUID{suid}}})
	require.NoError(t, h.localDo(op))
	assert.Empty(t, h.headers("Trash"))
	payload := op.Payload.(*job.Delete)
	require.Contains(t, payload.Purged, suid)

	exec = h.execute(op)
	require.NoError(t, exec.Err)
	assert.Empty(t, h.remote("Trash", 10))
	assert.True(t, payload.Purged[suid].Expunged)

	exec = h.undo(op)
	require.NoError(t, exec.Err)
	remote := h.remote("Trash", 10)
	require.Len(t, remote, 1)
	header, err := h.header(suid)
	require.NoError(t, err)
	assert.Equal(t, remote[0].UID, header.ServerID)
	assert.True(t, header.HasBody)
}

func TestDeleteDefersWithoutTrash(t *testing.T) {
	h := newHarness(t)
	err := h.store.Update(func(tx storage.Tx) error {
		trash, err := tx.FolderByType(testAccount, mailbox.FolderTrash)
		if err != nil {
			return err
		}
		return tx.DeleteFolder(testAccount, trash.ID)
	})
	require.NoError(t, err)

	op := h.op(&job.Delete{Move: job.Move{Messages: []mailbox.SUID{h.message("INBOX", 1)}}})
	err = h.localDo(op)
	assert.ErrorIs(t, err, job.ErrDefer)
	assert.Equal(t, job.OutcomeDefer, job.Classify(err))

	var missing []*job.CreateFolder
	err = h.store.View(func(tx storage.Tx) error {
		var err error
		missing, err = MissingEssentialFolders(h.acct, tx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, DefaultTrashPath, missing[0].Path)
	assert.Equal(t, mailbox.FolderTrash, missing[0].FolderType)
	assert.Equal(t, DefaultSentPath, missing[1].Path)
}

func TestAppendAndUndo(t *testing.T) {
	h := newHarness(t)
	archive := h.folder("Archive")
	op := h.op(&job.Append{
		FolderID: archive.ID,
		Messages: []job.AppendItem{
			{Body: lib.GenerateEmail("a@example.com", "b@example.com", 20, 10, 20), Flags: []string{"\\Seen"}},
			{Body: lib.GenerateEmail("a@example.com", "b@example.com", 21, 10, 20)},
		},
	})
	require.NoError(t, h.localDo(op))
	headers := h.headers("Archive")
	require.Len(t, headers, 2)
	assert.True(t, headers[0].HasBody)
	payload := op.Payload.(*job.Append)
	assert.Nil(t, payload.Messages[0].Body)

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	remote := h.remote("Archive", 20)
	require.Len(t, remote, 1)
	assert.Equal(t, []string{"\\Seen"}, remote[0].Flags)
	assert.Equal(t, remote[0].UID, payload.ServerIDMap[payload.Messages[0].SUID])
	assert.Len(t, h.calls("AppendMessages"), 1)

	op.Status = job.StatusChecking
	exec = h.execute(op)
	assert.Equal(t, job.CheckHappened, exec.Check)

	exec = h.undo(op)
	require.NoError(t, exec.Err)
	assert.Empty(t, h.server.Messages("Archive"))
	assert.Empty(t, h.headers("Archive"))
	assert.NotNil(t, payload.Messages[0].Body)
}

func (h *harness) calls(method string) []string {
	found := make([]string, 0)
	for _, call := range h.server.Calls() {
		if len(call) > len(method) && call[:len(method)+1] == method+" " {
			found = append(found, call)
		}
	}
	return found
}

func TestCreateFolder(t *testing.T) {
	h := newHarness(t)
	op := h.op(&job.CreateFolder{Path: "Sent", FolderType: mailbox.FolderSent})
	require.NoError(t, h.localDo(op))

	op.Status = job.StatusChecking
	exec := h.execute(op)
	assert.Equal(t, job.CheckNotYet, exec.Check)

	op.Status = job.StatusNone
	exec = h.execute(op)
	require.NoError(t, exec.Err)
	folder := h.folder("Sent")
	assert.Equal(t, folder.ID, exec.Result.Value)
	assert.Equal(t, mailbox.FolderSent, folder.Type)

	// the folder exists now
	err := h.localDo(h.op(&job.CreateFolder{Path: "Sent"}))
	assert.ErrorIs(t, err, job.ErrMoot)

	exec = h.undo(op)
	assert.ErrorIs(t, exec.Err, job.ErrMoot)
}

func TestDownloadBodies(t *testing.T) {
	h := newHarness(t)
	messages := []mailbox.SUID{h.message("INBOX", 1), h.message("INBOX", 2), h.message("INBOX", 3)}
	op := h.op(&job.DownloadBodies{Messages: messages})
	require.NoError(t, h.localDo(op))

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, 3, exec.Result.Value)
	for _, suid := range messages {
		header, err := h.header(suid)
		require.NoError(t, err)
		assert.True(t, header.HasBody)
	}

	h.server.ResetCalls()
	exec = h.execute(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, 0, exec.Result.Value)
	assert.Empty(t, h.calls("FetchBody"))
}

func TestDownloadMissingMessage(t *testing.T) {
	h := newHarness(t)
	err := h.localDo(h.op(&job.Download{Message: mailbox.NewSUID("1", 999)}))
	assert.ErrorIs(t, err, job.ErrMoot)
}

type testSender struct {
	mu   sync.Mutex
	sent [][]string
}

func (s *testSender) Send(ctx context.Context, from string, to []string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, append([]string{from}, to...))
	return nil
}

func TestSendOutboxSavesToSent(t *testing.T) {
	h := newHarness(t)
	outbox, err := mdir.NewWithLogger(t.TempDir(), "example.com", lib.NewTestLogger(t, "outbox"))
	require.NoError(t, err)
	_, err = outbox.Queue([]byte("To: someone@example.com\r\nSubject: hello\r\n\r\nHello"))
	require.NoError(t, err)
	sender := &testSender{}
	h.acct.Outbox = outbox
	h.acct.Sender = sender
	h.acct.From = "me@example.com"

	op := h.op(&job.SendOutbox{SaveToSent: true})
	err = h.localDo(op)
	assert.ErrorIs(t, err, job.ErrDefer)

	create := h.op(&job.CreateFolder{Path: "Sent", FolderType: mailbox.FolderSent})
	require.NoError(t, h.localDo(create))
	require.NoError(t, h.execute(create).Err)
	require.NoError(t, h.localDo(op))

	exec := h.execute(op)
	require.NoError(t, exec.Err)
	assert.Equal(t, [][]string{{"me@example.com", "someone@example.com"}}, sender.sent)
	require.Len(t, exec.Result.Value, 1)

	remote := h.server.Messages("Sent")
	require.Len(t, remote, 1)
	assert.Equal(t, []string{"\\Seen"}, remote[0].Flags)
	sent := h.headers("Sent")
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Subject)
	assert.Equal(t, remote[0].UID, sent[0].ServerID)
	assert.NotEmpty(t, sent[0].MessageID)

	messages, err := outbox.List()
	require.NoError(t, err)
	assert.Empty(t, messages)

	op.Status = job.StatusChecking
	exec = h.execute(op)
	assert.Equal(t, job.CheckCoherentNotYet, exec.Check)
	exec = h.undo(op)
	assert.ErrorIs(t, exec.Err, job.ErrMoot)
}

func TestSendOutboxSkipsMessageBeingSent(t *testing.T) {
	h := newHarness(t)
	outbox, err := mdir.NewWithLogger(t.TempDir(), "example.com", nil)
	require.NoError(t, err)
	key, err := outbox.Queue([]byte("To: someone@example.com\r\nSubject: hello\r\n\r\nHello"))
	require.NoError(t, err)
	sender := &testSender{}
	h.acct.Outbox = outbox
	h.acct.Sender = sender

	// another pass already ran in this process
	require.NoError(t, h.acct.recoverOutbox())
	require.NoError(t, outbox.SetState(key, storage.SendSending, ""))

	exec := h.execute(h.op(&job.SendOutbox{}))
	require.NoError(t, exec.Err)
	assert.Empty(t, sender.sent)
	messages, err := outbox.List()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, storage.SendSending, messages[0].State)
}

// cancelSender cancels the phase after sending its first message
type cancelSender struct {
	testSender
	cancel context.CancelFunc
}

func (s *cancelSender) Send(ctx context.Context, from string, to []string, body []byte) error {
	err := s.testSender.Send(ctx, from, to, body)
	s.cancel()
	return err
}

func TestSendOutboxResendsInterruptedMessage(t *testing.T) {
	h := newHarness(t)
	outbox, err := mdir.NewWithLogger(t.TempDir(), "example.com", lib.NewTestLogger(t, "outbox"))
	require.NoError(t, err)
	_, err = outbox.Queue([]byte("To: first@example.com\r\nSubject: first\r\n\r\nHello"))
	require.NoError(t, err)
	key, err := outbox.Queue([]byte("To: second@example.com\r\nSubject: second\r\n\r\nHello"))
	require.NoError(t, err)
	// left by a crash of the previous process
	require.NoError(t, outbox.SetState(key, storage.SendSending, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &cancelSender{cancel: cancel}
	h.acct.Outbox = outbox
	h.acct.Sender = sender
	h.acct.From = "me@example.com"

	exec := h.driver.Execute(ctx, h.acct, h.op(&job.SendOutbox{}), job.MutationState{})
	assert.ErrorIs(t, exec.Err, job.ErrAbortedRetry)
	require.Len(t, sender.sent, 1)

	exec = h.execute(h.op(&job.SendOutbox{}))
	require.NoError(t, exec.Err)
	assert.ElementsMatch(t, [][]string{
		{"me@example.com", "first@example.com"},
		{"me@example.com", "second@example.com"},
	}, sender.sent)
	messages, err := outbox.List()
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendOutboxWithoutOutboxGivesUp(t *testing.T) {
	h := newHarness(t)
	exec := h.execute(h.op(&job.SendOutbox{}))
	assert.ErrorIs(t, exec.Err, job.ErrGiveUp)
}

func TestAggregate(t *testing.T) {
	testCases := []struct {
		desire    job.Desire
		evidences []evidence
		expected  job.CheckResult
	}{
		{job.DesireDo, []evidence{evidenceGone}, job.CheckMoot},
		{job.DesireDo, []evidence{evidenceDone, evidenceGone}, job.CheckHappened},
		{job.DesireDo, []evidence{evidenceDone, evidenceNotDone}, job.CheckNotYet},
		{job.DesireUndo, []evidence{evidenceDone, evidenceNotDone}, job.CheckHappened},
		{job.DesireUndo, []evidence{evidenceNotDone, evidenceGone}, job.CheckNotYet},
		{job.DesireUndo, []evidence{evidenceGone, evidenceGone}, job.CheckMoot},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expected, aggregate(testCase.desire, testCase.evidences), "%s %v", testCase.desire, testCase.evidences)
	}
}
