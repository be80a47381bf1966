// Package input resolves upload source references into local files.
package input

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// FileProvider turns an upload source reference into a local path. Plain
// paths and file:// URLs resolve to their absolute path; http(s) URLs are
// downloaded into a temporary directory first. Downloads retry
// automatically on transient failures.
type FileProvider interface {
	LocalPath(ctx context.Context, ref string) (string, error)
}

type fileProvider struct {
	httpClient   *http.Client
	pathProvider pathutil.PathProvider
	pathChecker  pathutil.PathChecker
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewFileProvider ...
func NewFileProvider(logger log.Logger) FileProvider {
	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("Source download retry check: retry=%v err=%+v", retry, checkErr)
		return retry, checkErr
	}

	return &fileProvider{
		httpClient:   retryableHTTPClient.StandardClient(),
		pathProvider: pathutil.NewPathProvider(),
		pathChecker:  pathutil.NewPathChecker(),
		pathModifier: pathutil.NewPathModifier(),
		logger:       logger,
	}
}

func (p *fileProvider) LocalPath(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return p.download(ctx, ref)
	}

	return p.localFile(ref)
}

func (p *fileProvider) localFile(ref string) (string, error) {
	path, err := p.pathModifier.AbsPath(strings.TrimPrefix(ref, fileScheme))
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", ref, err)
	}

	exists, err := p.pathChecker.IsPathExists(path)
	if err != nil {
		return "", fmt.Errorf("check path %s: %w", path, err)
	}
	if !exists {
		return "", fmt.Errorf("upload source does not exist: %s", path)
	}

	return path, nil
}

// download fetches a remote source into a fresh temp directory and returns
// the downloaded file's path.
func (p *fileProvider) download(ctx context.Context, srcURL string) (string, error) {
	tmpDir, err := p.pathProvider.CreateTempDir("upload-source")
	if err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}

	name, err := fileNameFromURL(srcURL)
	if err != nil {
		return "", fmt.Errorf("extract file name from %s: %w", srcURL, err)
	}

	localPath := filepath.Join(tmpDir, name)
	p.logger.Debugf("Fetching upload source to %s", localPath)

	downloader := got.New()
	downloader.Client = p.httpClient
	if err := downloader.Do(got.NewDownload(ctx, srcURL, localPath)); err != nil {
		return "", fmt.Errorf("fetch %s: %w", srcURL, err)
	}

	return localPath, nil
}

func fileNameFromURL(srcURL string) (string, error) {
	parsed, err := url.Parse(srcURL)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		name = "upload-source"
	}
	return name, nil
}
