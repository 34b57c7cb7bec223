package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/supervisor"
)

const (
	uploadField      = "model_file"
	restartModeField = "restart_mode"
	restartAsync     = "async"
	restartSync      = "sync"
)

type uploadResp struct {
	Status   string      `json:"status"`
	Message  string      `json:"message"`
	Filename string      `json:"filename"`
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	Restart  restartInfo `json:"restart"`
}

// restartInfo tells the uploader whether the backend picked up the new file.
// Async mode only knows whether a restart was initiated; sync mode also
// carries the outcome.
type restartInfo struct {
	Mode      string `json:"mode"`
	Initiated bool   `json:"initiated"`
	Joined    bool   `json:"joined,omitempty"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

type deleteResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleUpload streams the multipart body straight into the store so large
// checkpoints never sit in memory or a temp file.
func (r *Router) handleUpload(c *gin.Context) {
	mt, err := assets.ParseModelType(c.Param("model_type"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	mode, err := parseRestartMode(c.Query(restartModeField))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "multipart form with " + uploadField + " required"})
		return
	}

	var asset assets.Asset
	saved := false
	for !saved {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "malformed multipart body: " + err.Error()})
			return
		}
		switch part.FormName() {
		case uploadField:
			asset, err = r.opts.Assets.Save(mt, part.FileName(), part)
			_ = part.Close()
			if err != nil {
				r.writeAssetError(c, "upload", err)
				return
			}
			saved = true
		case restartModeField:
			// only honored when it precedes the file part
			v, _ := io.ReadAll(io.LimitReader(part, 16))
			_ = part.Close()
			if mode, err = parseRestartMode(string(v)); err != nil {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
				return
			}
		default:
			_ = part.Close()
		}
	}
	if !saved {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: uploadField + " is required"})
		return
	}

	resp := uploadResp{
		Status:   "success",
		Message:  fmt.Sprintf("Model uploaded successfully to %s", mt),
		Filename: asset.Filename,
		Path:     asset.Path,
		Size:     asset.Size,
		Restart:  r.restartAfterUpload(c, mode),
	}
	writeJSON(c, http.StatusOK, resp)
}

// restartAfterUpload never fails the upload; the file is already on disk.
func (r *Router) restartAfterUpload(c *gin.Context, mode string) restartInfo {
	info := restartInfo{Mode: mode}
	timeout := r.opts.RestartTimeout
	if mode == restartSync {
		err := r.opts.Backend.Restart(c.Request.Context(), timeout)
		ok := err == nil
		info.OK = &ok
		info.Initiated = !errors.Is(err, supervisor.ErrClosed)
		if err != nil {
			info.Error = err.Error()
			info.Kind = supervisor.Kind(err)
			r.log.Warn("restart after upload failed", "error", err, "kind", info.Kind)
		}
		return info
	}
	joined, err := r.opts.Backend.TriggerRestart(timeout)
	info.Initiated = err == nil
	info.Joined = joined
	if err != nil {
		info.Error = err.Error()
		info.Kind = supervisor.Kind(err)
		r.log.Warn("restart after upload not initiated", "error", err)
	}
	return info
}

func (r *Router) handleList(c *gin.Context) {
	models, err := r.opts.Assets.List()
	if err != nil {
		r.writeAssetError(c, "list", err)
		return
	}
	writeJSON(c, http.StatusOK, models)
}

func (r *Router) handleDelete(c *gin.Context) {
	mt, err := assets.ParseModelType(c.Param("model_type"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	name := c.Param("filename")
	if err := r.opts.Assets.Delete(mt, name); err != nil {
		r.writeAssetError(c, "delete", err)
		return
	}
	writeJSON(c, http.StatusOK, deleteResp{Status: "success", Message: "Deleted " + name})
}

func (r *Router) writeAssetError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, assets.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Model not found"})
	case errors.Is(err, assets.ErrUnknownModelType),
		errors.Is(err, assets.ErrInvalidExtension),
		errors.Is(err, assets.ErrInvalidName):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		r.log.Error("model "+op+" failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func parseRestartMode(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", restartAsync:
		return restartAsync, nil
	case restartSync:
		return restartSync, nil
	default:
		return "", fmt.Errorf("invalid %s %q: want %s or %s", restartModeField, s, restartAsync, restartSync)
	}
}
