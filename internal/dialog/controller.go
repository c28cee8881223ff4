// Package dialog drives the upload → old password → new password exchange
// for one chat and owns the lifecycle of the per-session scratch files.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"p12bot/internal/models"
	"p12bot/internal/repack"
	"p12bot/internal/tempstore"
)

const bundleExt = ".p12"

// Transport is the outbound side of the messaging platform.
type Transport interface {
	SendText(chatID int64, text string) error
	SendDocument(chatID int64, path, caption string) error
	Download(ctx context.Context, fileID, dest string) error
}

// Recorder persists terminal repack outcomes for the /history command.
type Recorder interface {
	Record(ctx context.Context, job models.RepackJob) (*models.RepackJob, error)
	ListRecent(ctx context.Context, chatID int64, limit int) ([]models.RepackJob, error)
}

// Controller routes inbound events through the dialogue state machine.
type Controller struct {
	bot      Transport
	temp     *tempstore.Store
	sessions *Sessions
	history  Recorder
	maxBytes int64
}

// NewController wires the dialogue over its collaborators. history may be
// nil, which disables the audit trail and the /history command.
func NewController(bot Transport, temp *tempstore.Store, sessions *Sessions, history Recorder, maxBytes int64) *Controller {
	return &Controller{
		bot:      bot,
		temp:     temp,
		sessions: sessions,
		history:  history,
		maxBytes: maxBytes,
	}
}

// Handle processes one inbound event for its chat. Errors are reported to
// the user in-band; nothing propagates to the gateway.
func (c *Controller) Handle(ctx context.Context, ev models.Event) {
	switch {
	case ev.Command == "start":
		c.reply(ev.ChatID,
			"Send me a .p12 file to change its password.\n"+
				"Flow: send the .p12, then the current password, then the new one.\n"+
				fmt.Sprintf("File limit: %s.\n", humanBytes(c.maxBytes))+
				"/cancel aborts, /history lists your recent jobs.")
	case ev.Command == "cancel":
		c.handleCancel(ev.ChatID)
	case ev.Command == "history":
		c.handleHistory(ctx, ev.ChatID)
	case ev.Command != "":
		c.reply(ev.ChatID, "Unknown command. Send a .p12 file, or /start for help.")
	case ev.Document != nil:
		c.handleUpload(ctx, ev.ChatID, ev.Document)
	default:
		c.handleText(ctx, ev.ChatID, ev.Text)
	}
}

func (c *Controller) handleUpload(ctx context.Context, chatID int64, doc *models.Document) {
	if !strings.EqualFold(filepath.Ext(doc.FileName), bundleExt) {
		c.reply(chatID, "Please send a .p12 file.")
		return
	}
	if doc.FileSize > c.maxBytes {
		c.reply(chatID, fmt.Sprintf("File too large: %s (limit %s).",
			humanBytes(doc.FileSize), humanBytes(c.maxBytes)))
		return
	}

	// An accepted upload cancels any dialogue already in flight so its temp
	// directory cannot be orphaned. Rejected attachments leave it untouched.
	if prev := c.sessions.Remove(chatID); prev != nil {
		prev.Lease.Release()
		c.reply(chatID, "Discarded the previous file, starting over.")
	}

	lease, err := c.temp.Allocate()
	if err != nil {
		log.Printf("dialog: allocate temp dir for chat %d failed: %v", chatID, err)
		c.reply(chatID, "Could not prepare storage for the file. Please try again.")
		return
	}
	inputPath := lease.Join(doc.FileName)
	if err := c.bot.Download(ctx, doc.FileID, inputPath); err != nil {
		log.Printf("dialog: download for chat %d failed: %v", chatID, err)
		lease.Release()
		c.reply(chatID, "Could not download the file. Please try again.")
		return
	}

	c.sessions.Put(&Session{
		ChatID:    chatID,
		State:     StateAwaitingOldPass,
		Lease:     lease,
		InputPath: inputPath,
		OrigName:  filepath.Base(doc.FileName),
	})
	c.reply(chatID, "Enter the current password (send a single space if it has none):")
}

func (c *Controller) handleText(ctx context.Context, chatID int64, text string) {
	sess := c.sessions.Get(chatID)
	if sess == nil {
		c.reply(chatID, "Send a .p12 file first to begin.")
		return
	}

	switch sess.State {
	case StateAwaitingOldPass:
		sess.OldPass = strings.TrimSpace(text)
		sess.State = StateAwaitingNewPass
		c.reply(chatID, "Enter the new password:")
	case StateAwaitingNewPass:
		c.finishRepack(ctx, sess, strings.TrimSpace(text))
	default:
		c.sessions.Remove(chatID)
		sess.Lease.Release()
		c.reply(chatID, "Something went wrong. Please send the .p12 again.")
	}
}

// finishRepack runs the terminal step. Whatever happens, the session is gone
// and its lease is released before returning.
func (c *Controller) finishRepack(ctx context.Context, sess *Session, newPass string) {
	c.sessions.Remove(sess.ChatID)
	defer sess.Lease.Release()

	if _, err := os.Stat(sess.InputPath); err != nil {
		c.reply(sess.ChatID, "The uploaded file is no longer available. Please send the .p12 again.")
		c.record(ctx, sess, "", models.JobStatusFailed, "input file missing")
		return
	}
	data, err := os.ReadFile(sess.InputPath)
	if err != nil {
		log.Printf("dialog: read %s failed: %v", sess.InputPath, err)
		c.reply(sess.ChatID, "Could not read the uploaded file. Please send the .p12 again.")
		c.record(ctx, sess, "", models.JobStatusFailed, "input file unreadable")
		return
	}

	out, label, err := repack.Repack(data, sess.OldPass, newPass)
	if err != nil {
		switch {
		case errors.Is(err, repack.ErrDecryption):
			c.reply(sess.ChatID, "Wrong current password, or the file could not be opened.")
			c.record(ctx, sess, "", models.JobStatusDecryptFailed, "")
		case errors.Is(err, repack.ErrInvalidBundle):
			c.reply(sess.ChatID, "That file is not a valid .p12 bundle.")
			c.record(ctx, sess, "", models.JobStatusInvalidBundle, "")
		default:
			log.Printf("dialog: repack for chat %d failed: %v", sess.ChatID, err)
			c.reply(sess.ChatID, "Something went wrong while creating the new file.")
			c.record(ctx, sess, "", models.JobStatusFailed, err.Error())
		}
		return
	}

	outputName := outputFileName(sess.OrigName, time.Now())
	outputPath := sess.Lease.Join(outputName)
	if err := os.WriteFile(outputPath, out, 0o600); err != nil {
		log.Printf("dialog: write %s failed: %v", outputPath, err)
		c.reply(sess.ChatID, "Something went wrong while creating the new file.")
		c.record(ctx, sess, outputName, models.JobStatusFailed, "output write failed")
		return
	}

	caption := "Password changed successfully."
	if label != "" {
		caption = fmt.Sprintf("Password changed for %s.", label)
	}
	if err := c.bot.SendDocument(sess.ChatID, outputPath, caption); err != nil {
		log.Printf("dialog: send document to chat %d failed: %v", sess.ChatID, err)
		c.reply(sess.ChatID, "The new file could not be delivered. Please try again.")
		c.record(ctx, sess, outputName, models.JobStatusFailed, "delivery failed")
		return
	}
	c.record(ctx, sess, outputName, models.JobStatusOK, "")
}

func (c *Controller) handleCancel(chatID int64) {
	sess := c.sessions.Remove(chatID)
	if sess == nil {
		c.reply(chatID, "Nothing to cancel.")
		return
	}
	sess.Lease.Release()
	c.reply(chatID, "Operation cancelled.")
}

func (c *Controller) handleHistory(ctx context.Context, chatID int64) {
	if c.history == nil {
		c.reply(chatID, "History is not available.")
		return
	}
	jobs, err := c.history.ListRecent(ctx, chatID, 5)
	if err != nil {
		log.Printf("dialog: list history for chat %d failed: %v", chatID, err)
		c.reply(chatID, "Could not load your history.")
		return
	}
	if len(jobs) == 0 {
		c.reply(chatID, "No repack jobs yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Your recent jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s — %s (%s)\n",
			j.InputName, statusText(j.Status), j.CreatedAt.Format("2006-01-02 15:04"))
	}
	c.reply(chatID, strings.TrimRight(b.String(), "\n"))
}

// record is best-effort: the audit trail never masks the user-facing result.
func (c *Controller) record(ctx context.Context, sess *Session, outputName, status, detail string) {
	if c.history == nil {
		return
	}
	_, err := c.history.Record(ctx, models.RepackJob{
		ChatID:     sess.ChatID,
		InputName:  sess.OrigName,
		OutputName: outputName,
		Status:     status,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("dialog: record job for chat %d failed: %v", sess.ChatID, err)
	}
}

func (c *Controller) reply(chatID int64, text string) {
	if err := c.bot.SendText(chatID, text); err != nil {
		log.Printf("dialog: send text to chat %d failed: %v", chatID, err)
	}
}

func outputFileName(origName string, now time.Time) string {
	base := strings.TrimSuffix(origName, filepath.Ext(origName))
	return fmt.Sprintf("%s_repass_%s%s", base, now.Format("20060102_150405"), bundleExt)
}

func statusText(status string) string {
	switch status {
	case models.JobStatusOK:
		return "ok"
	case models.JobStatusDecryptFailed:
		return "wrong password"
	case models.JobStatusInvalidBundle:
		return "invalid file"
	default:
		return "failed"
	}
}

func humanBytes(n int64) string {
	f := float64(n)
	for _, unit := range []string{"B", "KB", "MB"} {
		if f < 1024 {
			return fmt.Sprintf("%.0f%s", f, unit)
		}
		f /= 1024
	}
	return fmt.Sprintf("%.0fGB", f)
}
