package dialog

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"p12bot/internal/models"
	"p12bot/internal/tempstore"
)

type sentDoc struct {
	chatID  int64
	name    string
	caption string
	data    []byte
}

type mockBot struct {
	texts       []string
	docs        []sentDoc
	payload     []byte
	downloads   int
	downloadErr error
}

func (m *mockBot) SendText(chatID int64, text string) error {
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockBot) SendDocument(chatID int64, path, caption string) error {
	// Capture the bytes now; the lease removes the file right after.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.docs = append(m.docs, sentDoc{chatID: chatID, name: pathBase(path), caption: caption, data: data})
	return nil
}

func (m *mockBot) Download(ctx context.Context, fileID, dest string) error {
	m.downloads++
	if m.downloadErr != nil {
		return m.downloadErr
	}
	return os.WriteFile(dest, m.payload, 0o600)
}

func pathBase(p string) string {
	idx := strings.LastIndexByte(p, os.PathSeparator)
	return p[idx+1:]
}

type mockRecorder struct {
	jobs []models.RepackJob
}

func (m *mockRecorder) Record(ctx context.Context, job models.RepackJob) (*models.RepackJob, error) {
	job.ID = int64(len(m.jobs) + 1)
	job.CreatedAt = time.Now().UTC()
	m.jobs = append(m.jobs, job)
	return &job, nil
}

func (m *mockRecorder) ListRecent(ctx context.Context, chatID int64, limit int) ([]models.RepackJob, error) {
	var out []models.RepackJob
	for i := len(m.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.jobs[i].ChatID == chatID {
			out = append(out, m.jobs[i])
		}
	}
	return out, nil
}

func newBundle(t *testing.T, password string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dialog test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	data, err := pkcs12.Legacy.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	return data
}

type fixture struct {
	base     string
	bot      *mockBot
	recorder *mockRecorder
	ctl      *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	bot := &mockBot{}
	recorder := &mockRecorder{}
	ctl := NewController(bot, tempstore.New(base), NewSessions(time.Hour), recorder, 16<<20)
	return &fixture{base: base, bot: bot, recorder: recorder, ctl: ctl}
}

func (f *fixture) tempDirCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.base)
	if err != nil {
		t.Fatalf("read temp base: %v", err)
	}
	return len(entries)
}

func docEvent(chatID int64, name string, size int64) models.Event {
	return models.Event{ChatID: chatID, Document: &models.Document{FileID: "file-1", FileName: name, FileSize: size}}
}

func textEvent(chatID int64, text string) models.Event {
	return models.Event{ChatID: chatID, Text: text}
}

func cmdEvent(chatID int64, cmd string) models.Event {
	return models.Event{ChatID: chatID, Command: cmd}
}

func lastText(t *testing.T, bot *mockBot) string {
	t.Helper()
	if len(bot.texts) == 0 {
		t.Fatalf("expected at least one text message")
	}
	return bot.texts[len(bot.texts)-1]
}

func TestFullRepackFlow(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	if !strings.Contains(lastText(t, f.bot), "current password") {
		t.Fatalf("expected old password prompt, got %q", lastText(t, f.bot))
	}

	f.ctl.Handle(ctx, textEvent(1, "old123"))
	if !strings.Contains(lastText(t, f.bot), "new password") {
		t.Fatalf("expected new password prompt, got %q", lastText(t, f.bot))
	}

	f.ctl.Handle(ctx, textEvent(1, "newpass"))
	if len(f.bot.docs) != 1 {
		t.Fatalf("expected one delivered document, got %d", len(f.bot.docs))
	}
	doc := f.bot.docs[0]
	if !strings.HasPrefix(doc.name, "secret_repass_") || !strings.HasSuffix(doc.name, ".p12") {
		t.Fatalf("unexpected output name %q", doc.name)
	}
	if !strings.Contains(doc.caption, "Password changed") {
		t.Fatalf("unexpected caption %q", doc.caption)
	}

	if _, _, _, err := pkcs12.DecodeChain(doc.data, "newpass"); err != nil {
		t.Fatalf("delivered bundle must open with the new password: %v", err)
	}
	if _, _, _, err := pkcs12.DecodeChain(doc.data, "old123"); err == nil {
		t.Fatalf("delivered bundle must not open with the old password")
	}

	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("expected temp base empty after success, %d dirs left", n)
	}
	if len(f.recorder.jobs) != 1 || f.recorder.jobs[0].Status != models.JobStatusOK {
		t.Fatalf("expected one ok job, got %+v", f.recorder.jobs)
	}
}

func TestRejectsWrongExtension(t *testing.T) {
	f := newFixture(t)
	f.ctl.Handle(context.Background(), docEvent(1, "notes.txt", 100))

	if !strings.Contains(lastText(t, f.bot), ".p12") {
		t.Fatalf("expected extension error, got %q", lastText(t, f.bot))
	}
	if f.bot.downloads != 0 {
		t.Fatalf("must not download a rejected attachment")
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("no temp directory may be created for a rejected attachment, got %d", n)
	}
}

func TestRejectsOversizedFile(t *testing.T) {
	f := newFixture(t)
	f.ctl.Handle(context.Background(), docEvent(1, "big.p12", 64<<20))

	if !strings.Contains(lastText(t, f.bot), "too large") {
		t.Fatalf("expected size error, got %q", lastText(t, f.bot))
	}
	if f.bot.downloads != 0 {
		t.Fatalf("oversized attachments must be rejected before download")
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("no temp directory may survive a size rejection, got %d", n)
	}
}

func TestWrongOldPassword(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	f.ctl.Handle(ctx, textEvent(1, "wrong"))
	f.ctl.Handle(ctx, textEvent(1, "newpass"))

	if len(f.bot.docs) != 0 {
		t.Fatalf("no document may be produced on a failed decryption")
	}
	if !strings.Contains(lastText(t, f.bot), "Wrong current password") {
		t.Fatalf("expected decryption error message, got %q", lastText(t, f.bot))
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("temp directory must be cleaned after failure, got %d", n)
	}
	if len(f.recorder.jobs) != 1 || f.recorder.jobs[0].Status != models.JobStatusDecryptFailed {
		t.Fatalf("expected decrypt_failed job, got %+v", f.recorder.jobs)
	}
}

func TestEmptyOldPasswordOnProtectedBundle(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	f.ctl.Handle(ctx, textEvent(1, "   "))
	f.ctl.Handle(ctx, textEvent(1, "newpass"))

	if len(f.bot.docs) != 0 {
		t.Fatalf("no output file may be produced")
	}
	if !strings.Contains(lastText(t, f.bot), "Wrong current password") {
		t.Fatalf("expected decryption error message, got %q", lastText(t, f.bot))
	}
}

func TestCancelCleansUp(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	if n := f.tempDirCount(t); n != 1 {
		t.Fatalf("expected one temp dir mid-dialogue, got %d", n)
	}
	f.ctl.Handle(ctx, cmdEvent(1, "cancel"))

	if !strings.Contains(lastText(t, f.bot), "cancelled") {
		t.Fatalf("expected cancellation message, got %q", lastText(t, f.bot))
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("temp directory must be cleaned on cancel, got %d", n)
	}

	f.ctl.Handle(ctx, cmdEvent(1, "cancel"))
	if !strings.Contains(lastText(t, f.bot), "Nothing to cancel") {
		t.Fatalf("expected no-op cancel message, got %q", lastText(t, f.bot))
	}
}

func TestNewUploadCancelsPreviousSession(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "first.p12", 2048))
	f.ctl.Handle(ctx, docEvent(1, "second.p12", 2048))

	// Only the second session's directory may remain.
	if n := f.tempDirCount(t); n != 1 {
		t.Fatalf("expected exactly one live temp dir, got %d", n)
	}
	var discarded bool
	for _, text := range f.bot.texts {
		if strings.Contains(text, "Discarded the previous file") {
			discarded = true
		}
	}
	if !discarded {
		t.Fatalf("expected a discard notice, got %q", f.bot.texts)
	}

	f.ctl.Handle(ctx, textEvent(1, "old123"))
	f.ctl.Handle(ctx, textEvent(1, "newpass"))
	if len(f.bot.docs) != 1 || !strings.HasPrefix(f.bot.docs[0].name, "second_repass_") {
		t.Fatalf("expected repack of the second upload, got %+v", f.bot.docs)
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("expected temp base empty at the end, got %d", n)
	}
}

func TestRejectedUploadKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	f.ctl.Handle(ctx, docEvent(1, "notes.txt", 100))
	f.ctl.Handle(ctx, docEvent(1, "big.p12", 64<<20))

	// The in-flight dialogue survives both rejections.
	if n := f.tempDirCount(t); n != 1 {
		t.Fatalf("expected the original temp dir to survive, got %d", n)
	}
	f.ctl.Handle(ctx, textEvent(1, "old123"))
	f.ctl.Handle(ctx, textEvent(1, "newpass"))
	if len(f.bot.docs) != 1 || !strings.HasPrefix(f.bot.docs[0].name, "secret_repass_") {
		t.Fatalf("expected repack of the original upload, got %+v", f.bot.docs)
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("expected temp base empty at the end, got %d", n)
	}
}

func TestMissingInputFile(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	f.ctl.Handle(ctx, textEvent(1, "old123"))

	// Pull the input file out from under the session.
	entries, err := os.ReadDir(f.base)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one temp dir, err=%v", err)
	}
	dir := f.base + string(os.PathSeparator) + entries[0].Name()
	if err := os.Remove(dir + string(os.PathSeparator) + "secret.p12"); err != nil {
		t.Fatalf("remove input: %v", err)
	}

	f.ctl.Handle(ctx, textEvent(1, "newpass"))
	if !strings.Contains(lastText(t, f.bot), "no longer available") {
		t.Fatalf("expected missing-file message, got %q", lastText(t, f.bot))
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("temp directory must still be cleaned, got %d", n)
	}
}

func TestTextWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.ctl.Handle(context.Background(), textEvent(1, "hello"))
	if !strings.Contains(lastText(t, f.bot), "Send a .p12 file first") {
		t.Fatalf("expected hint, got %q", lastText(t, f.bot))
	}
}

func TestDownloadFailureReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.bot.downloadErr = errors.New("network down")
	f.ctl.Handle(context.Background(), docEvent(1, "secret.p12", 2048))

	if !strings.Contains(lastText(t, f.bot), "Could not download") {
		t.Fatalf("expected download error message, got %q", lastText(t, f.bot))
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("temp directory must be cleaned after a failed download, got %d", n)
	}
}

func TestHistoryCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ctl.Handle(ctx, cmdEvent(1, "history"))
	if !strings.Contains(lastText(t, f.bot), "No repack jobs yet") {
		t.Fatalf("expected empty history message, got %q", lastText(t, f.bot))
	}

	f.bot.payload = newBundle(t, "old123")
	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	f.ctl.Handle(ctx, textEvent(1, "old123"))
	f.ctl.Handle(ctx, textEvent(1, "newpass"))

	f.ctl.Handle(ctx, cmdEvent(1, "history"))
	if !strings.Contains(lastText(t, f.bot), "secret.p12") {
		t.Fatalf("expected history listing, got %q", lastText(t, f.bot))
	}
}

func TestSessionExpirySweepReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.bot.payload = newBundle(t, "old123")
	ctx := context.Background()

	f.ctl.Handle(ctx, docEvent(1, "secret.p12", 2048))
	if n := f.tempDirCount(t); n != 1 {
		t.Fatalf("expected one temp dir, got %d", n)
	}

	expired := f.ctl.sessions.sweepExpired(time.Now().Add(2 * time.Hour))
	if expired != 1 {
		t.Fatalf("expected one expired session, got %d", expired)
	}
	if n := f.tempDirCount(t); n != 0 {
		t.Fatalf("expired session must release its temp dir, got %d", n)
	}
}
