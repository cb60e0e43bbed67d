package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/httpclient"
	"github.com/tphakala/xrayscan/internal/logger"
)

// maxRemoteResponse caps the inference server response body
const maxRemoteResponse = 64 << 20

// RemoteConfig configures a RemoteInvoker.
type RemoteConfig struct {
	URL           string
	Confidence    float64
	ImageSize     int
	Timeout       time.Duration
	Layout        Layout
	RequireLabels bool
}

// remoteResponse is the inference server reply. Labels uses the same line
// format as the local labels file; Image is the base64 annotated image.
type remoteResponse struct {
	Labels *string `json:"labels"`
	Image  string  `json:"image"`
}

// RemoteInvoker sends images to an HTTP inference server and materializes
// its reply in the same on-disk layout the local process produces.
type RemoteInvoker struct {
	cfg    RemoteConfig
	client *httpclient.Client
	log    logger.Logger
}

// NewRemoteInvoker creates a RemoteInvoker.
func NewRemoteInvoker(cfg RemoteConfig, client *httpclient.Client) *RemoteInvoker {
	return &RemoteInvoker{cfg: cfg, client: client, log: GetLogger().Module("remote")}
}

func (r *RemoteInvoker) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("conf", strconv.FormatFloat(r.cfg.Confidence, 'f', -1, 64))
	q.Set("img_size", strconv.Itoa(r.cfg.ImageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Invoke uploads the image and writes the returned artifacts.
func (r *RemoteInvoker) Invoke(ctx context.Context, req Request) (Artifacts, error) {
	if err := validateRequest(req); err != nil {
		return Artifacts{}, err
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	endpoint, err := r.endpoint()
	if err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "build_endpoint").Build()
	}

	f, err := os.Open(req.ImagePath)
	if err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "open_input").Build()
	}
	defer func() { _ = f.Close() }()

	start := time.Now()
	resp, err := r.client.PostFile(ctx, endpoint, "image", filepath.Base(req.ImagePath), f)
	if err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "remote_inference").
			Timing("remote_inference", time.Since(start)).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "read_response").Build()
	}
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return Artifacts{}, detectionError(
			errors.Newf("inference server returned %d", resp.StatusCode), req, "remote_inference").
			Context("status_code", resp.StatusCode).
			Context("response", tail(string(body), maxOutputContext)).
			Build()
	}

	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "decode_response").Build()
	}
	image, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil || len(image) == 0 {
		return Artifacts{}, detectionError(errors.Newf("inference server returned no annotated image"), req, "decode_response").Build()
	}

	if err := r.write(req, image, out.Labels); err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "write_artifacts").Build()
	}

	r.log.Debug("remote detection finished",
		logger.String("job_id", req.JobID),
		logger.Duration("elapsed", elapsed))

	art, err := r.cfg.Layout.Collect(req, r.cfg.RequireLabels)
	if err != nil {
		return Artifacts{}, err
	}
	art.Duration = elapsed
	return art, nil
}

// write lays out the annotated image and, when present, the labels file
func (r *RemoteInvoker) write(req Request, image []byte, labels *string) error {
	annotated := r.cfg.Layout.AnnotatedPath(req.JobID, req.ImagePath)
	if err := os.MkdirAll(filepath.Dir(annotated), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(annotated, image, 0o600); err != nil {
		return err
	}
	if labels == nil {
		return nil
	}
	labelsPath := r.cfg.Layout.LabelsPath(req.JobID, req.ImagePath)
	if err := os.MkdirAll(filepath.Dir(labelsPath), 0o750); err != nil {
		return err
	}
	return os.WriteFile(labelsPath, []byte(*labels), 0o600)
}
