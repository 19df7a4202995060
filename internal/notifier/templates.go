package notifier

import (
	"strings"
	"text/template"

	"streamsupervisor/internal/domain"
)

// Event kind names, used as Config.Enabled keys and as metrics labels.
const (
	KindError          = "error"
	KindSkip           = "skip"
	KindRecovery       = "recovery"
	KindCritical       = "critical"
	KindResume         = "resume"
	KindHostDisconnect = "hostDisconnect"
	KindHostReconnect  = "hostReconnect"
	KindStreamDrop     = "streamDrop"
	KindStreamRestart  = "streamRestart"
)

// Templates are parsed once at package init and re-executed on every
// Notify* call against a small per-kind data struct.
var (
	tmplError         = template.Must(template.New(KindError).Parse("Playback error on video {{.Index}} ({{.ID}}): code {{.Code}}"))
	tmplSkip          = template.Must(template.New(KindSkip).Parse("Skipping video {{.Index}} ({{.ID}}): {{.Reason}}"))
	tmplRecovery      = template.Must(template.New(KindRecovery).Parse("Attempting recovery for video {{.Index}} ({{.ID}})"))
	tmplCritical      = template.Must(template.New(KindCritical).Parse("Recovery failed for video {{.Index}} ({{.ID}}); manual intervention required"))
	tmplResume        = template.Must(template.New(KindResume).Parse("Playback resumed normally on video {{.Index}} ({{.ID}})"))
	tmplStreamDrop    = template.Must(template.New(KindStreamDrop).Parse("Stream dropped, restart attempt {{.Attempt}}/{{.Max}} scheduled"))
	tmplStreamRestart = template.Must(template.New(KindStreamRestart).Parse("Stream restarted successfully after {{.Attempts}} attempt(s)"))
)

func render(tmpl *template.Template, data any) string {
	var b strings.Builder
	// A fixed, compile-time-checked template executing against a
	// matching struct literal cannot fail at runtime; the only error
	// path is a writer error, which strings.Builder never returns.
	_ = tmpl.Execute(&b, data)
	return b.String()
}

// NotifyError reports a non-permanent playback error.
func (n *Notifier) NotifyError(videoIndex int, videoID string, errorCode int) {
	if !n.cfg.kindEnabled(KindError) {
		return
	}
	content := render(tmplError, struct {
		Index int
		ID    string
		Code  int
	}{videoIndex, videoID, errorCode})
	n.send(content, domain.LevelWarn)
}

// NotifySkip reports a video being skipped.
func (n *Notifier) NotifySkip(videoIndex int, videoID, reason string) {
	if !n.cfg.kindEnabled(KindSkip) {
		return
	}
	content := render(tmplSkip, struct {
		Index  int
		ID     string
		Reason string
	}{videoIndex, videoID, reason})
	n.send(content, domain.LevelWarn)
}

// NotifyRecovery reports recovery having begun for the current video.
func (n *Notifier) NotifyRecovery(videoIndex int, videoID string) {
	if !n.cfg.kindEnabled(KindRecovery) {
		return
	}
	content := render(tmplRecovery, struct {
		Index int
		ID    string
	}{videoIndex, videoID})
	n.send(content, domain.LevelWarn)
}

// NotifyCritical reports exhaustion of the recovery escalation ladder.
func (n *Notifier) NotifyCritical(videoIndex int, videoID string) {
	if !n.cfg.kindEnabled(KindCritical) {
		return
	}
	content := render(tmplCritical, struct {
		Index int
		ID    string
	}{videoIndex, videoID})
	n.send(content, domain.LevelError)
}

// NotifyResume reports recovery having resolved on its own.
func (n *Notifier) NotifyResume(videoIndex int, videoID string) {
	if !n.cfg.kindEnabled(KindResume) {
		return
	}
	content := render(tmplResume, struct {
		Index int
		ID    string
	}{videoIndex, videoID})
	n.send(content, domain.LevelInfo)
}

// NotifyHostDisconnect reports the streaming host dropping connection.
func (n *Notifier) NotifyHostDisconnect() {
	if !n.cfg.kindEnabled(KindHostDisconnect) {
		return
	}
	n.send("Lost connection to streaming host", domain.LevelWarn)
}

// NotifyHostReconnect reports the streaming host reconnecting.
func (n *Notifier) NotifyHostReconnect() {
	if !n.cfg.kindEnabled(KindHostReconnect) {
		return
	}
	n.send("Reconnected to streaming host", domain.LevelInfo)
}

// NotifyStreamDrop reports a stream-restart attempt being scheduled.
func (n *Notifier) NotifyStreamDrop(attempt, max int) {
	if !n.cfg.kindEnabled(KindStreamDrop) {
		return
	}
	content := render(tmplStreamDrop, struct {
		Attempt int
		Max     int
	}{attempt, max})
	n.send(content, domain.LevelWarn)
}

// NotifyStreamRestart reports a successful stream restart.
func (n *Notifier) NotifyStreamRestart(attempts int) {
	if !n.cfg.kindEnabled(KindStreamRestart) {
		return
	}
	content := render(tmplStreamRestart, struct {
		Attempts int
	}{attempts})
	n.send(content, domain.LevelInfo)
}
