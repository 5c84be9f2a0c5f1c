package smarthttp

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/saj/git-pack-serve/internal/metrics"
	"github.com/saj/git-pack-serve/internal/proc"
	"github.com/saj/git-pack-serve/internal/proto"
	"github.com/saj/git-pack-serve/internal/repo"
)

func newHandler(t *testing.T, script string) (*Handler, *prometheus.Registry) {
	t.Helper()
	root := fs.NewDir(t, "smarthttp-root", fs.WithDir("project"))
	resolver, err := repo.NewResolver(root.Path())
	assert.NilError(t, err)
	tool := fs.NewDir(t, "smarthttp-tool", fs.WithFile("tool", "#!/bin/sh\n"+script+"\n", fs.WithMode(0o755)))
	reg := prometheus.NewRegistry()
	return NewHandler(Config{
		Resolver: resolver,
		Tool:     &proc.Tool{Path: tool.Join("tool")},
		Log:      zerolog.New(zerolog.NewTestWriter(t)),
		Metrics:  metrics.New(reg),
	}), reg
}

// counter reads the value of the counter name whose labels include all of
// labels, or zero if there is none.
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	assert.NilError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func sessions(t *testing.T, reg *prometheus.Registry, service, result string) float64 {
	t.Helper()
	return counter(t, reg, "git_pack_serve_sessions_total", map[string]string{
		"transport": metrics.TransportHTTP,
		"service":   service,
		"result":    result,
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func backendRequest(svc proto.Service, body io.Reader) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/project.git/"+svc.String(), body)
	req.Header.Set("Content-Type", "application/x-"+svc.String()+"-request")
	req.Header.Set("Accept", resultType(svc))
	return req
}

func TestAnnouncement(t *testing.T) {
	assert.Equal(t, string(Announcement(proto.UploadPack)), "001e# service=git-upload-pack\n0000")
	assert.Equal(t, string(Announcement(proto.ReceivePack)), "001f# service=git-receive-pack\n0000")
}

func TestInfoRefs(t *testing.T) {
	h, _ := newHandler(t, `echo "$@"`)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/project.git/info/refs?service=git-upload-pack", nil))

	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Content-Type"), "application/x-git-upload-pack-advertisement")
	assert.Equal(t, rec.Header().Get("Expires"), "Fri, 01 Jan 1980 00:00:00 GMT")
	assert.Equal(t, rec.Header().Get("Pragma"), "no-cache")
	assert.Equal(t, rec.Header().Get("Cache-Control"), "no-cache, max-age=0, must-revalidate")
	assert.Assert(t, rec.Header().Get("Request-Id") != "")

	body := rec.Body.String()
	assert.Assert(t, is.Contains(body, "001e# service=git-upload-pack\n0000upload-pack --stateless-rpc --advertise-refs "))
	assert.Assert(t, strings.HasPrefix(body, "001e# service=git-upload-pack\n0000"))
	assert.Assert(t, strings.HasSuffix(body, "/project\n"))
}

func TestInfoRefsReceivePack(t *testing.T) {
	h, _ := newHandler(t, `echo "$1"`)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/project/info/refs?service=git-receive-pack", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Content-Type"), "application/x-git-receive-pack-advertisement")
	assert.Equal(t, rec.Body.String(), "001f# service=git-receive-pack\n0000receive-pack\n")
}

func TestInfoRefsProtocolV2(t *testing.T) {
	h, _ := newHandler(t, `echo "$GIT_PROTOCOL"`)
	req := httptest.NewRequest(http.MethodGet, "/project.git/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Git-Protocol", "version=2")
	rec := serve(h, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "version=2\n")
}

func TestInfoRefsProtocolV1(t *testing.T) {
	h, _ := newHandler(t, `echo "$GIT_PROTOCOL"`)
	req := httptest.NewRequest(http.MethodGet, "/project.git/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Git-Protocol", "object-format=sha1:version=1")
	rec := serve(h, req)
	assert.Equal(t, rec.Body.String(), "001e# service=git-upload-pack\n0000version=1\n")
}

func TestInfoRefsUnknownService(t *testing.T) {
	h, _ := newHandler(t, "exit 0")
	for _, target := range []string{
		"/project.git/info/refs",
		"/project.git/info/refs?service=git-archive",
		"/project.git/info/refs?service=upload-pack",
	} {
		rec := serve(h, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, rec.Code, http.StatusMethodNotAllowed, target)
	}
}

func TestInfoRefsNotFound(t *testing.T) {
	h, reg := newHandler(t, "exit 0")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/missing.git/info/refs?service=git-upload-pack", nil))
	assert.Equal(t, rec.Code, http.StatusNotFound)
	assert.Equal(t, sessions(t, reg, "git-upload-pack", "not_found"), 1.0)
}

func TestInfoRefsSpawnError(t *testing.T) {
	root := fs.NewDir(t, "smarthttp-root", fs.WithDir("project"))
	resolver, err := repo.NewResolver(root.Path())
	assert.NilError(t, err)
	h := NewHandler(Config{
		Resolver: resolver,
		Tool:     &proc.Tool{Path: filepath.Join(root.Path(), "no-such-tool")},
		Log:      zerolog.New(zerolog.NewTestWriter(t)),
	})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/project.git/info/refs?service=git-upload-pack", nil))
	assert.Equal(t, rec.Code, http.StatusInternalServerError)
}

func TestBackend(t *testing.T) {
	h, reg := newHandler(t, "cat")
	rec := serve(h, backendRequest(proto.UploadPack, strings.NewReader("0009hello0000")))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Header().Get("Content-Type"), "application/x-git-upload-pack-result")
	assert.Equal(t, rec.Header().Get("Cache-Control"), "no-cache, max-age=0, must-revalidate")
	assert.Equal(t, rec.Body.String(), "0009hello0000")
	assert.Equal(t, sessions(t, reg, "git-upload-pack", "ok"), 1.0)
	assert.Equal(t, counter(t, reg, "git_pack_serve_bytes_total", map[string]string{
		"transport": metrics.TransportHTTP,
		"direction": "in",
	}), 13.0)
}

func TestBackendArgs(t *testing.T) {
	h, _ := newHandler(t, `echo "$1 $2"`)
	rec := serve(h, backendRequest(proto.ReceivePack, strings.NewReader("")))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "receive-pack --stateless-rpc\n")
}

func TestBackendBodyStalled(t *testing.T) {
	h, reg := newHandler(t, "echo done; exit 0")
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- serve(h, backendRequest(proto.UploadPack, pr)) }()
	select {
	case rec := <-done:
		assert.Equal(t, rec.Code, http.StatusOK)
		assert.Equal(t, rec.Body.String(), "done\n")
	case <-time.After(10 * time.Second):
		t.Fatal("response held open by an unfinished request body")
	}
	assert.Equal(t, sessions(t, reg, "git-upload-pack", "ok"), 1.0)
}

func TestBackendContentLength(t *testing.T) {
	h, _ := newHandler(t, "cat")
	req := backendRequest(proto.UploadPack, strings.NewReader("abcdefgh"))
	req.ContentLength = 4
	rec := serve(h, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "abcd")
}

func TestBackendGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("0032want 0123456789abcdef0123456789abcdef01234567\n"))
	assert.NilError(t, err)
	assert.NilError(t, zw.Close())

	h, _ := newHandler(t, "cat")
	req := backendRequest(proto.UploadPack, &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := serve(h, req)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "0032want 0123456789abcdef0123456789abcdef01234567\n")
}

func TestBackendBadGzip(t *testing.T) {
	h, _ := newHandler(t, "cat")
	req := backendRequest(proto.UploadPack, strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rec := serve(h, req)
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestBackendForbidden(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	h, reg := newHandler(t, "touch "+marker)

	for _, accept := range []string{"", "text/html", "application/x-git-upload-pack-advertisement"} {
		req := backendRequest(proto.UploadPack, strings.NewReader("0000"))
		req.Header.Set("Accept", accept)
		rec := serve(h, req)
		assert.Equal(t, rec.Code, http.StatusForbidden, accept)
	}

	// accept names the other service
	req := backendRequest(proto.ReceivePack, strings.NewReader("0000"))
	req.Header.Set("Accept", resultType(proto.UploadPack))
	assert.Equal(t, serve(h, req).Code, http.StatusForbidden)

	_, err := os.Stat(marker)
	assert.Assert(t, os.IsNotExist(err))
	assert.Equal(t, sessions(t, reg, "none", "forbidden"), 4.0)
}

func TestBackendMethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t, "cat")

	req := backendRequest(proto.UploadPack, nil)
	req.Method = http.MethodGet
	assert.Equal(t, serve(h, req).Code, http.StatusMethodNotAllowed)

	req = httptest.NewRequest(http.MethodPost, "/project.git/git-archive", strings.NewReader("0000"))
	req.Header.Set("Accept", resultType(proto.UploadPack))
	assert.Equal(t, serve(h, req).Code, http.StatusMethodNotAllowed)
}

func TestBackendNotFound(t *testing.T) {
	h, _ := newHandler(t, "cat")
	req := httptest.NewRequest(http.MethodPost, "/missing.git/git-upload-pack", strings.NewReader("0000"))
	req.Header.Set("Accept", resultType(proto.UploadPack))
	assert.Equal(t, serve(h, req).Code, http.StatusNotFound)
}

func TestBackendToolFailure(t *testing.T) {
	h, reg := newHandler(t, "echo partial; echo broken >&2; exit 3")
	rec := serve(h, backendRequest(proto.UploadPack, strings.NewReader("0000")))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "partial\n")
	assert.Equal(t, sessions(t, reg, "git-upload-pack", "exec_error"), 1.0)
}

func TestUnroutable(t *testing.T) {
	h, _ := newHandler(t, "cat")
	assert.Equal(t, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code, http.StatusNotFound)
}

func TestCloneOverHTTP(t *testing.T) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not found in PATH")
	}

	root := fs.NewDir(t, "smarthttp-e2e")
	wt, err := git.PlainInit(root.Join("project"), false)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(root.Join("project", "README"), []byte("hello\n"), 0o644))
	w, err := wt.Worktree()
	assert.NilError(t, err)
	_, err = w.Add("README")
	assert.NilError(t, err)
	_, err = w.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Some User", Email: "some@example.com", When: time.Now()},
	})
	assert.NilError(t, err)

	resolver, err := repo.NewResolver(root.Path())
	assert.NilError(t, err)
	srv := httptest.NewServer(NewHandler(Config{
		Resolver: resolver,
		Tool:     &proc.Tool{Path: gitPath},
		Log:      zerolog.Nop(),
	}))
	defer srv.Close()

	clone := fs.NewDir(t, "smarthttp-clone")
	_, err = git.PlainClone(clone.Join("project"), false, &git.CloneOptions{
		URL: srv.URL + "/project.git",
	})
	assert.NilError(t, err)
	b, err := os.ReadFile(clone.Join("project", "README"))
	assert.NilError(t, err)
	assert.Equal(t, string(b), "hello\n")
}

func TestBackendLogsFullDuplexUnavailable(t *testing.T) {
	root := fs.NewDir(t, "smarthttp-root", fs.WithDir("project"))
	resolver, err := repo.NewResolver(root.Path())
	assert.NilError(t, err)
	tool := fs.NewDir(t, "smarthttp-tool", fs.WithFile("tool", "#!/bin/sh\ncat\n", fs.WithMode(0o755)))
	var logs bytes.Buffer
	h := NewHandler(Config{
		Resolver: resolver,
		Tool:     &proc.Tool{Path: tool.Join("tool")},
		Log:      zerolog.New(&logs).Level(zerolog.DebugLevel),
	})

	// the recorder does not support full duplex
	rec := serve(h, backendRequest(proto.UploadPack, strings.NewReader("0000")))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, is.Contains(logs.String(), `"message":"full duplex unavailable"`))
}
