package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// fixtureDir holds img2.png, img10.png (40x20) and a corrupt IMG3.png.
func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "img10.png"), 40, 20)
	writePNG(t, filepath.Join(dir, "img2.png"), 40, 20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IMG3.png"), []byte("not a png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	return dir
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	opts := export.DefaultOptions()
	opts.Format = export.PNG
	opts.PauseEvery = 0

	s, err := New(library.New(), Options{Export: opts, PreviewMax: 64, PreviewCache: 8}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		http.DefaultClient.CloseIdleConnections()
		ts.Close()
		cancel()
		<-s.hub.done
	})
	return s, ts
}

func do(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func addFolder(t *testing.T, ts *httptest.Server, dir string) *library.Folder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"path": dir})
	require.NoError(t, err)
	res := do(t, http.MethodPost, ts.URL+"/api/folders", string(body))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	return decode[*library.Folder](t, res)
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t)

	res := do(t, http.MethodGet, ts.URL+"/", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	page, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	// folder and file names are only ever inserted as text
	assert.NotContains(t, string(page), "innerHTML")

	res = do(t, http.MethodGet, ts.URL+"/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestFolders_AddListRemove(t *testing.T) {
	_, ts := newTestServer(t)
	dir := fixtureDir(t)

	folder := addFolder(t, ts, dir)
	assert.Equal(t, filepath.Base(dir), folder.Name)
	assert.Nil(t, folder.Rect)
	var names []string
	for _, img := range folder.Images {
		names = append(names, img.Name)
	}
	assert.Equal(t, []string{"img2.png", "IMG3.png", "img10.png"}, names)

	list := decode[folderList](t, do(t, http.MethodGet, ts.URL+"/api/folders", ""))
	require.Len(t, list.Folders, 1)
	assert.Equal(t, folder.ID, list.SelectedFolder)

	res := do(t, http.MethodDelete, ts.URL+"/api/folders/"+folder.ID, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = do(t, http.MethodDelete, ts.URL+"/api/folders/"+folder.ID, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, decode[map[string]string](t, res)["error"], "folder not found")
}

func TestFolders_AddErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{"},
		{"no path", `{"path":""}`},
		{"missing dir", `{"path":"/definitely/not/here"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := do(t, http.MethodPost, ts.URL+"/api/folders", tt.body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, res)["error"])
		})
	}
}

func TestImage_InitialisesDefaultRect(t *testing.T) {
	s, ts := newTestServer(t)
	folder := addFolder(t, ts, fixtureDir(t))
	img := folder.Images[0]

	info := decode[imageInfo](t, do(t, http.MethodGet, ts.URL+"/api/folders/"+folder.ID+"/images/"+img.ID, ""))
	assert.Equal(t, 40, info.Width)
	assert.Equal(t, 20, info.Height)
	assert.Equal(t, geom.Rect{X: 10, Y: 5, Width: 20, Height: 10}, info.Rect)

	stored, err := s.lib.Folder(folder.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Rect)
	assert.Equal(t, info.Rect, *stored.Rect)

	res := do(t, http.MethodGet, ts.URL+"/api/folders/"+folder.ID+"/images/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSetRect_ClampsAgainstImage(t *testing.T) {
	_, ts := newTestServer(t)
	folder := addFolder(t, ts, fixtureDir(t))
	url := ts.URL + "/api/folders/" + folder.ID + "/rect?image=" + folder.Images[0].ID

	res := do(t, http.MethodPut, url, `{"x":30,"y":0,"width":20,"height":50}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, geom.Rect{X: 20, Y: 0, Width: 20, Height: 20}, decode[geom.Rect](t, res))

	// edge form, first image implied
	res = do(t, http.MethodPut, ts.URL+"/api/folders/"+folder.ID+"/rect", `{"left":1,"top":2,"right":11,"bottom":12}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, geom.Rect{X: 1, Y: 2, Width: 10, Height: 10}, decode[geom.Rect](t, res))

	res = do(t, http.MethodPut, url, `nope`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, http.MethodPut, ts.URL+"/api/folders/"+folder.ID+"/rect?image="+folder.Images[1].ID, `{"x":0,"y":0,"width":5,"height":5}`)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode, "corrupt image has no size")
}

func TestSelect(t *testing.T) {
	s, ts := newTestServer(t)
	folder := addFolder(t, ts, fixtureDir(t))
	img := folder.Images[2]

	res := do(t, http.MethodPost, ts.URL+"/api/folders/"+folder.ID+"/select", `{"imageId":"`+img.ID+`"}`)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	f, i := s.lib.Selection()
	assert.Equal(t, folder.ID, f)
	assert.Equal(t, img.ID, i)

	res = do(t, http.MethodPost, ts.URL+"/api/folders/"+folder.ID+"/select", `{"imageId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPreview_ScalesAndCaches(t *testing.T) {
	s, ts := newTestServer(t)
	folder := addFolder(t, ts, fixtureDir(t))
	url := ts.URL + "/api/folders/" + folder.ID + "/images/" + folder.Images[0].ID + "/preview?max=10"

	for range 2 {
		res := do(t, http.MethodGet, url, "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
		assert.Equal(t, "40", res.Header.Get("X-Image-Width"))
		assert.Equal(t, "20", res.Header.Get("X-Image-Height"))

		img, _, err := image.Decode(res.Body)
		require.NoError(t, err)
		assert.Equal(t, image.Pt(10, 5), img.Bounds().Size())
	}
	assert.Equal(t, 1, s.previews.len())

	// larger than the configured maximum falls back to it
	res := do(t, http.MethodGet, strings.Replace(url, "max=10", "max=5000", 1), "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	img, _, err := image.Decode(res.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(40, 20), img.Bounds().Size())

	res = do(t, http.MethodGet, strings.Replace(url, "max=10", "max=big", 1), "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, http.MethodGet, ts.URL+"/api/folders/"+folder.ID+"/images/"+folder.Images[1].ID+"/preview", "")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestExport_StreamsZipAndProgress(t *testing.T) {
	s, ts := newTestServer(t)
	folder := addFolder(t, ts, fixtureDir(t))
	res := do(t, http.MethodPut, ts.URL+"/api/folders/"+folder.ID+"/rect", `{"x":0,"y":0,"width":8,"height":4}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	res = do(t, http.MethodPost, ts.URL+"/api/folders/"+folder.ID+"/export", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/zip", res.Header.Get("Content-Type"))
	_, params, err := mime.ParseMediaType(res.Header.Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, folder.Name+"-crops.zip", params["filename"])

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	files := map[string][]byte{}
	var order []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = data
		order = append(order, f.Name)
	}
	assert.Equal(t, []string{"img2.png", "img10.png", export.ManifestName}, order)

	crop, err := png.Decode(bytes.NewReader(files["img2.png"]))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 4), crop.Bounds().Size())

	var manifest export.Manifest
	require.NoError(t, json.Unmarshal(files[export.ManifestName], &manifest))
	assert.Len(t, manifest, 2)
	assert.NotContains(t, manifest, "IMG3.png")

	var msgs []Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		msgs = append(msgs, m)
		if m.Type == MsgExportDone {
			break
		}
	}
	require.Len(t, msgs, 5)
	assert.Equal(t, MsgExportStarted, msgs[0].Type)
	for i, m := range msgs[1:4] {
		assert.Equal(t, MsgExportProgress, m.Type)
		assert.Equal(t, folder.ID, m.FolderID)
		assert.Equal(t, i+1, m.Current)
		assert.Equal(t, 3, m.Total)
	}
	assert.Equal(t, "IMG3.png", msgs[2].File)
	assert.NotEmpty(t, msgs[2].Error)
	assert.Equal(t, 2, msgs[4].Exported)
	assert.Equal(t, 1, msgs[4].Failed)
	assert.Empty(t, msgs[4].Error)
}

func TestExport_UnknownFolder(t *testing.T) {
	_, ts := newTestServer(t)
	res := do(t, http.MethodPost, ts.URL+"/api/folders/nope/export", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServe_StopsOnCancel(t *testing.T) {
	s, err := New(library.New(), Options{Export: export.DefaultOptions()}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestExport_QuotedFolderName(t *testing.T) {
	_, ts := newTestServer(t)
	dir := filepath.Join(t.TempDir(), `say "cheese"; x=1`)
	require.NoError(t, os.Mkdir(dir, 0o755))
	writePNG(t, filepath.Join(dir, "a.png"), 4, 4)
	folder := addFolder(t, ts, dir)

	res := do(t, http.MethodPost, ts.URL+"/api/folders/"+folder.ID+"/export", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	disposition, params, err := mime.ParseMediaType(res.Header.Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, `say "cheese"; x=1-crops.zip`, params["filename"])
	assert.NotContains(t, params, "x")
}
