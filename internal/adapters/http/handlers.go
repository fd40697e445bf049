package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/app/callsm"
	"github.com/dkeye/CallDub/internal/app/diag"
	"github.com/dkeye/CallDub/internal/app/inject"
	"github.com/dkeye/CallDub/internal/app/journal"
	"github.com/dkeye/CallDub/internal/app/registry"
	"github.com/dkeye/CallDub/internal/domain"
)

const maxCaptureWindow = 10 * time.Second

// API holds the collaborators behind the control routes.
type API struct {
	Registry    *registry.Registry
	Injections  *inject.Orchestrator
	Assets      *audio.AssetCache
	Diagnostics *diag.Diagnostics
	Journal     *journal.Journal
	Limiter     *DialRateLimiter
	// MaxUploadBytes bounds POST /api/audio bodies.
	MaxUploadBytes int64
}

type registerRequest struct {
	Token string `json:"token" binding:"required"`
}

type dialRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type assetInfo struct {
	Name       string    `json:"name"`
	Bytes      int       `json:"bytes"`
	Duration   string    `json:"duration"`
	SampleRate int       `json:"sampleRate"`
	LoadedAt   time.Time `json:"loadedAt"`
}

func infoOf(a *audio.Asset) assetInfo {
	return assetInfo{
		Name:       a.Name,
		Bytes:      len(a.Source),
		Duration:   a.Buffer.Duration().String(),
		SampleRate: a.Buffer.SampleRate,
		LoadedAt:   a.LoadedAt,
	}
}

func tokenParam(c *gin.Context) (domain.Token, bool) {
	token, err := domain.NewToken(c.Param("token"))
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return token, true
}

func (a *API) machine(c *gin.Context) (*callsm.Machine, bool) {
	token, ok := tokenParam(c)
	if !ok {
		return nil, false
	}
	m, err := a.Registry.Machine(token)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return m, true
}

// -------------------------
// Devices
// -------------------------

func (a *API) listDevices(c *gin.Context) {
	sess := sessions.Default(c)
	c.JSON(http.StatusOK, gin.H{
		"devices":  a.Registry.Entries(),
		"selected": sess.Get("device"),
	})
}

func (a *API) registerDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid token"})
		return
	}
	entry, err := a.Registry.Register(c.Request.Context(), req.Token)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// the provider could not be reached
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set("device", string(entry.Token))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
	log.Info().
		Str("module", "adapters.http").
		Str("client", c.GetString("client_token")).
		Str("token", string(entry.Token)).
		Msg("device registered")
	c.JSON(http.StatusOK, entry)
}

func (a *API) unregisterDevice(c *gin.Context) {
	token, ok := tokenParam(c)
	if !ok {
		return
	}
	if _, found := a.Registry.Entry(token); !found {
		abortWithError(c, fmt.Errorf("%s: %w", token, domain.ErrSessionUnavailable))
		return
	}
	a.Registry.Unregister(token)
	a.Limiter.Forget(token)

	sess := sessions.Default(c)
	if sess.Get("device") == string(token) {
		sess.Delete("device")
		_ = sess.Save()
	}
	c.Status(http.StatusNoContent)
}

func (a *API) capabilities(c *gin.Context) {
	token, ok := tokenParam(c)
	if !ok {
		return
	}
	caps, err := a.Diagnostics.Capabilities(token)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (a *API) injectionStatus(c *gin.Context) {
	token, ok := tokenParam(c)
	if !ok {
		return
	}
	if _, found := a.Registry.Entry(token); !found {
		abortWithError(c, fmt.Errorf("%s: %w", token, domain.ErrSessionUnavailable))
		return
	}
	c.JSON(http.StatusOK, a.Injections.Status(token))
}

// -------------------------
// Calls
// -------------------------

func (a *API) callSnapshot(c *gin.Context) {
	m, ok := a.machine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// callAction runs a phase-guarded machine action and answers with the new record.
func (a *API) callAction(action func(*callsm.Machine, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := a.machine(c)
		if !ok {
			return
		}
		if err := action(m, c.Request.Context()); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

func (a *API) dial(c *gin.Context) {
	m, ok := a.machine(c)
	if !ok {
		return
	}
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, domain.ErrPhoneEmpty)
		return
	}
	if !a.Limiter.Allow(m.Token()) {
		abortWithError(c, errRateLimited)
		return
	}
	if err := m.Dial(c.Request.Context(), req.Phone); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// -------------------------
// Audio
// -------------------------

func (a *API) uploadAudio(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		abortWithError(c, err)
		return
	}

	asset, err := a.Assets.Load(fh.Filename, data)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, infoOf(asset))
}

func (a *API) currentAudio(c *gin.Context) {
	asset, ok := a.Assets.Current()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no audio loaded"})
		return
	}
	c.JSON(http.StatusOK, infoOf(asset))
}

// resetAudio stops every injection, drops the asset and releases the capture host.
func (a *API) resetAudio(c *gin.Context) {
	a.Injections.StopAll()
	a.Assets.Reset()
	c.Status(http.StatusNoContent)
}

func (a *API) recreateContext(c *gin.Context) {
	pctx := a.Assets.RecreateContext()
	c.JSON(http.StatusOK, gin.H{"context": pctx.ID(), "state": pctx.State()})
}

// -------------------------
// Diagnostics and logs
// -------------------------

func (a *API) checkInterception(c *gin.Context) {
	rep, err := a.Diagnostics.CheckInterception(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (a *API) checkCapture(c *gin.Context) {
	window := diag.DefaultWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxCaptureWindow {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = d
	}
	rep, err := a.Diagnostics.CheckCapture(c.Request.Context(), window)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (a *API) logs(c *gin.Context) {
	if c.Query("format") == "text" {
		c.String(http.StatusOK, a.Journal.Text())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": a.Journal.Entries()})
}

func (a *API) clearLogs(c *gin.Context) {
	a.Journal.Clear()
	c.Status(http.StatusNoContent)
}
