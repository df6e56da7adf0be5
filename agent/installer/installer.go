// Package installer fetches new core artifacts from the controller.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/guseggert/subserver/agent/supervisor"
	"github.com/guseggert/subserver/internal/config"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// JarExt is appended to an artifact's base name to form its filename.
	JarExt = ".jar"

	downloadRoute = "down_server_jar"
	partSuffix    = ".part"
)

// Supervisor is the part of the process supervisor the installer coordinates with.
type Supervisor interface {
	State() supervisor.State
	Stop(ctx context.Context) (supervisor.State, error)
}

type Installer struct {
	log        *zap.SugaredLogger
	identity   *config.Store
	supervisor Supervisor
	dir        string

	httpClient                *http.Client
	customizeRetryableClients []func(*retryablehttp.Client)
}

type Option func(i *Installer)

func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) {
		i.httpClient = c
	}
}

// WithCustomizeRetryableClient adds a function that adjusts the download client. Ignored if WithHTTPClient is used.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(i *Installer) {
		i.customizeRetryableClients = append(i.customizeRetryableClients, f)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds an installer that writes artifacts into dir, the server's working directory.
func New(log *zap.SugaredLogger, identity *config.Store, sup Supervisor, dir string, opts ...Option) *Installer {
	i := &Installer{
		log:        log,
		identity:   identity,
		supervisor: sup,
		dir:        dir,
	}
	for _, o := range opts {
		o(i)
	}

	if i.httpClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.Logger = &logAdapter{SugaredLogger: log}
		for _, f := range i.customizeRetryableClients {
			f(retryClient)
		}
		i.httpClient = retryClient.StandardClient()
	}
	return i
}

// DownloadURL derives the artifact download URL from the controller address.
// ws and wss are rewritten to http and https.
func DownloadURL(controllerURI, artifact string) (string, error) {
	u, err := url.Parse(controllerURI)
	if err != nil {
		return "", fmt.Errorf("parsing controller URI: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported controller URI scheme %q", u.Scheme)
	}
	u = u.JoinPath(downloadRoute)
	u.RawQuery = url.Values{"file_name": {artifact}}.Encode()
	return u.String(), nil
}

// AcceptCore installs the artifact with the given base name as the server's new core.
// A running server is stopped first; the server is not restarted afterwards.
func (i *Installer) AcceptCore(ctx context.Context, artifact string) error {
	log := i.log.With("Artifact", artifact)

	switch st := i.supervisor.State(); st {
	case supervisor.Running:
		log.Info("stopping server before installing core")
		st, err := i.supervisor.Stop(ctx)
		if err != nil {
			return fmt.Errorf("stopping server: %w", err)
		}
		if st != supervisor.Stopped {
			return fmt.Errorf("server is %s after stop", st)
		}
	case supervisor.Stopping:
		// the process may still be alive and holding the current core
		return fmt.Errorf("server is %s", st)
	}

	jar := artifact + JarExt
	err := i.identity.SetServerJar(jar)
	if err != nil {
		log.Errorw("persisting identity failed, continuing with install", "Error", err)
	}

	u, err := DownloadURL(i.identity.Snapshot().URI, artifact)
	if err != nil {
		return err
	}
	dest := filepath.Join(i.dir, jar)
	log.Infow("downloading core", "URL", u, "Dest", dest)
	n, err := i.download(ctx, u, dest)
	if err != nil {
		return fmt.Errorf("downloading core %q: %w", artifact, err)
	}
	log.Infow("core installed", "Dest", dest, "Bytes", n)
	return nil
}

// download streams the response body into a temporary file next to dest and renames it into place,
// so a failed transfer never leaves a partial file at dest.
func (i *Installer) download(ctx context.Context, u, dest string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	httpResp, err := i.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("fetching over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return 0, fmt.Errorf("non-200 HTTP status code %d received when downloading: %s", httpResp.StatusCode, body)
	}

	tmp := dest + partSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating %q: %w", tmp, err)
	}
	n, err := io.Copy(f, httpResp.Body)
	if err == nil && httpResp.ContentLength >= 0 && n != httpResp.ContentLength {
		err = fmt.Errorf("got %d of %d bytes: %w", n, httpResp.ContentLength, io.ErrUnexpectedEOF)
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			i.log.Warnw("removing partial download", "Path", tmp, "Error", rmErr)
		}
		return n, err
	}
	return n, nil
}
