package uploadclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/icholy/digest"
	"github.com/spf13/afero"
	"github.com/tuzkov/camctl/metrics"
)

type Client interface {
	Upload(ctx context.Context, file string) error
}

type Config struct {
	Address  string
	Username string
	Password string
}

type client struct {
	log    *slog.Logger
	config *Config
	base   *url.URL
	fs     afero.Fs

	httpClient *http.Client
}

type Option func(*client)

func WithFs(fs afero.Fs) Option {
	return func(c *client) { c.fs = fs }
}

func NewClient(log *slog.Logger, config *Config, opts ...Option) (Client, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if config.Address == "" {
		return nil, errors.New("config address is empty")
	}
	if log == nil {
		log = slog.Default()
	}

	address := config.Address
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("fail to parse address: %w", err)
	}

	cli := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &digest.Transport{
			Username: config.Username,
			Password: config.Password,
		},
	}

	c := &client{
		log:        log.With("svc", "uploadClient"),
		config:     config,
		base:       base,
		fs:         afero.NewOsFs(),
		httpClient: cli,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload PUTs the file under its base name below the configured address.
func (c *client) Upload(ctx context.Context, file string) error {
	err := c.upload(ctx, file)
	if err != nil {
		metrics.IncUpload("error")
		return err
	}
	metrics.IncUpload("ok")
	return nil
}

func (c *client) upload(ctx context.Context, file string) error {
	data, err := afero.ReadFile(c.fs, file)
	if err != nil {
		return fmt.Errorf("fail to read file: %w", err)
	}

	target := *c.base
	target.Path = path.Join("/", target.Path, filepath.Base(file))

	c.log.Debug("Upload started", "file", file, "url", target.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fail to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Debug("Fail to read body", "err", err)
	}

	c.log.Debug("Resp", "code", resp.StatusCode, "body", string(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("response status code %d", resp.StatusCode)
	}
	return nil
}
