// Package server exposes the library to a browser: folder import, rectangle
// edits, thumbnails, zip downloads of an export and live progress.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
	"github.com/niopeng/cropsy/scan"
)

//go:embed index.html
var indexHTML []byte

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Export       export.Options
	PreviewMax   int
	PreviewCache int
}

type Server struct {
	lib      *library.Library
	opts     Options
	hub      *Hub
	previews *previews
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(lib *library.Library, opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := export.New(opts.Export, nil); err != nil {
		return nil, err
	}
	if opts.PreviewMax <= 0 {
		opts.PreviewMax = 1024
	}
	pv, err := newPreviews(opts.PreviewMax, opts.PreviewCache)
	if err != nil {
		return nil, err
	}
	return &Server{
		lib:      lib,
		opts:     opts,
		hub:      NewHub(logger),
		previews: pv,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}, nil
}

// Handler returns the routed API. The hub must be running (see Run) for
// websocket clients to receive anything.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/folders", s.handleListFolders)
	mux.HandleFunc("POST /api/folders", s.handleAddFolder)
	mux.HandleFunc("GET /api/folders/{id}", s.handleGetFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleRemoveFolder)
	mux.HandleFunc("PUT /api/folders/{id}/rect", s.handleSetRect)
	mux.HandleFunc("POST /api/folders/{id}/select", s.handleSelect)
	mux.HandleFunc("GET /api/folders/{id}/images/{image}", s.handleImage)
	mux.HandleFunc("GET /api/folders/{id}/images/{image}/preview", s.handlePreview)
	mux.HandleFunc("POST /api/folders/{id}/export", s.handleExport)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return mux
}

// Run serves on addr until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("serving", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type folderList struct {
	Folders        []*library.Folder `json:"folders"`
	SelectedFolder string            `json:"selectedFolder,omitempty"`
	SelectedImage  string            `json:"selectedImage,omitempty"`
}

type imageInfo struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Rect   geom.Rect `json:"rect"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folderID, imageID := s.lib.Selection()
	writeJSON(w, http.StatusOK, folderList{
		Folders:        s.lib.Folders(),
		SelectedFolder: folderID,
		SelectedImage:  imageID,
	})
}

func (s *Server) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}

	folder, err := scan.Dir(req.Path)
	if err != nil {
		s.logger.Warn("import folder", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.lib.Add(folder)
	s.logger.Info("folder imported",
		zap.String("folder", folder.Name),
		zap.Int("images", len(folder.Images)))
	writeJSON(w, http.StatusCreated, folder.Clone())
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := s.lib.Folder(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleRemoveFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.Remove(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetRect clamps the posted rectangle against the image named by the
// image query parameter, falling back to the folder's first image.
func (s *Server) handleSetRect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	folder, err := s.lib.Folder(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	entry, err := pickImage(folder, r.URL.Query().Get("image"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rect, err := geom.ParseRect(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	width, height, err := export.Size(entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stored, err := s.lib.SetRect(id, rect, width, height)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageID string `json:"imageId"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.lib.Select(r.PathValue("id"), req.ImageID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImage reports an image's size and the folder rectangle, giving the
// folder its default rectangle the first time any of its images is shown.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	folder, err := s.lib.Folder(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	entry, err := folder.Image(r.PathValue("image"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	width, height, err := export.Size(entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rect, err := s.lib.InitRect(id, width, height)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, imageInfo{
		ID:     entry.ID,
		Name:   entry.Name,
		Width:  width,
		Height: height,
		Rect:   geom.Clamp(rect, width, height),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	folder, err := s.lib.Folder(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	entry, err := folder.Image(r.PathValue("image"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	side := 0
	if v := r.URL.Query().Get("max"); v != "" {
		if side, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("max: %w", err))
			return
		}
	}

	pv, err := s.previews.get(entry, side)
	if err != nil {
		s.logger.Warn("preview", zap.String("file", entry.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Header().Set("X-Image-Width", strconv.Itoa(pv.width))
	w.Header().Set("X-Image-Height", strconv.Itoa(pv.height))
	w.Write(pv.data)
}

// handleExport streams the folder's crops and crops.json as a zip download.
// Progress goes to websocket clients. Once the first byte is written errors
// can only be logged.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	folder, err := s.lib.Folder(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// One exporter per request: it owns its canvas.
	exp, err := export.New(s.opts.Export, s.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": folder.Name + "-crops.zip"}))

	s.hub.Broadcast(&Message{Type: MsgExportStarted, FolderID: folder.ID, Total: len(folder.Images)})

	zs := export.NewZipSink(w)
	sum, err := exp.Export(r.Context(), folder, zs, func(p export.Progress) {
		m := &Message{
			Type:     MsgExportProgress,
			FolderID: folder.ID,
			Current:  p.Current,
			Total:    p.Total,
			File:     p.File,
		}
		if p.Err != nil {
			m.Error = p.Err.Error()
		}
		s.hub.Broadcast(m)
	})
	if cerr := zs.Close(); cerr != nil && err == nil {
		err = cerr
	}

	done := &Message{Type: MsgExportDone, FolderID: folder.ID, Total: len(folder.Images)}
	if sum != nil {
		done.Exported = sum.Exported
		done.Failed = len(sum.Failed)
	}
	if err != nil {
		done.Error = err.Error()
		s.logger.Error("export", zap.String("folder", folder.Name), zap.Error(err))
	}
	s.hub.Broadcast(done)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	s.hub.attach(conn)
}

// pickImage resolves imageID in folder, or the first image when it is empty.
func pickImage(folder *library.Folder, imageID string) (*library.ImageEntry, error) {
	if imageID != "" {
		return folder.Image(imageID)
	}
	if len(folder.Images) == 0 {
		return nil, fmt.Errorf("%s has no images: %w", folder.Name, library.ErrImageNotFound)
	}
	return folder.Images[0], nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, library.ErrFolderNotFound), errors.Is(err, library.ErrImageNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
