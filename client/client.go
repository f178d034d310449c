package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/correlation"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSASToken      = "X-Blobd-SAS"

	defaultRequestTimeout = 30 * time.Second
)

// APIError is a decoded server-side failure.
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Code is the machine-readable error code, e.g. blob_not_found.
	Code   string
	Detail string
	// RetryAfter is the server's suggested backoff for transient faults.
	RetryAfter time.Duration
	// ETag carries the current document version on etag_mismatch failures.
	ETag string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("blobd: %s (http %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("blobd: %s: %s (http %d)", e.Code, e.Detail, e.Status)
}

// IsNotFound reports whether err is an APIError with a *_not_found code.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && strings.HasSuffix(apiErr.Code, "_not_found")
}

// Option configures client instances.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSASToken attaches a signed access token to every request.
func WithSASToken(token string) Option {
	return func(c *Client) {
		c.sasToken = token
	}
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithRequestTimeout bounds each request when the caller's context carries no
// deadline of its own. Zero disables the fallback timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// Client talks to one blobd endpoint.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	sasToken       string
	logger         pslog.Logger
	requestTimeout time.Duration
}

// New constructs a client for the given endpoint URL.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	c := &Client{
		logger:         pslog.NoopLogger(),
		requestTimeout: defaultRequestTimeout,
	}
	switch u.Scheme {
	case "http", "https":
		c.baseURL = strings.TrimRight(u.String(), "/")
	case "unix":
		socket := u.Path
		if u.Host != "" {
			socket = u.Host + u.Path
		}
		if socket == "" {
			return nil, fmt.Errorf("client: unix endpoint missing socket path")
		}
		c.baseURL = "http://blobd"
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		}
	default:
		return nil, fmt.Errorf("client: endpoint scheme %q not supported", u.Scheme)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// UseSASToken swaps the access token attached to subsequent requests.
func (c *Client) UseSASToken(token string) {
	c.sasToken = token
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.requestTimeout <= 0 {
		return parent, func() {}
	}
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.requestTimeout)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sasToken != "" {
		req.Header.Set(headerSASToken, c.sasToken)
	}
	if cid := correlation.ID(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Detail = body.Detail
		apiErr.RetryAfter = time.Duration(body.RetryAfter) * time.Second
		apiErr.ETag = body.ETag
	}
	return apiErr
}

func blobQuery(container, blob string) url.Values {
	q := url.Values{}
	q.Set("container", container)
	if blob != "" {
		q.Set("blob", blob)
	}
	return q
}

// CreateContainer creates a container.
func (c *Client) CreateContainer(ctx context.Context, req api.CreateContainerRequest) (api.ContainerResponse, error) {
	var out api.ContainerResponse
	err := c.post(ctx, "/v1/container/create", req, &out)
	return out, err
}

// GetContainer fetches container properties.
func (c *Client) GetContainer(ctx context.Context, container string) (api.ContainerResponse, error) {
	var out api.ContainerResponse
	err := c.get(ctx, "/v1/container/get", blobQuery(container, ""), &out)
	return out, err
}

// DeleteContainer removes a container and everything in it.
func (c *Client) DeleteContainer(ctx context.Context, req api.DeleteContainerRequest) error {
	return c.post(ctx, "/v1/container/delete", req, nil)
}

// SetContainerMetadata replaces container user metadata.
func (c *Client) SetContainerMetadata(ctx context.Context, req api.SetContainerMetadataRequest) (api.ContainerResponse, error) {
	var out api.ContainerResponse
	err := c.post(ctx, "/v1/container/metadata", req, &out)
	return out, err
}

// SetContainerAccess changes the container public-access level.
func (c *Client) SetContainerAccess(ctx context.Context, req api.SetContainerAccessRequest) (api.ContainerResponse, error) {
	var out api.ContainerResponse
	err := c.post(ctx, "/v1/container/access", req, &out)
	return out, err
}

// SetAccessPolicies replaces the container's stored access policies.
func (c *Client) SetAccessPolicies(ctx context.Context, req api.SetAccessPolicyRequest) error {
	return c.post(ctx, "/v1/container/policy", req, nil)
}

// GetAccessPolicies lists the container's stored access policies.
func (c *Client) GetAccessPolicies(ctx context.Context, container string) (api.AccessPolicyListResponse, error) {
	var out api.AccessPolicyListResponse
	err := c.get(ctx, "/v1/container/policy", blobQuery(container, ""), &out)
	return out, err
}

// Upload writes a whole blob in one call.
func (c *Client) Upload(ctx context.Context, req api.UploadBlobRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/blob/upload", req, &out)
	return out, err
}

// Download reads blob content and properties.
func (c *Client) Download(ctx context.Context, req api.DownloadBlobRequest) (api.DownloadBlobResponse, error) {
	var out api.DownloadBlobResponse
	err := c.post(ctx, "/v1/blob/download", req, &out)
	return out, err
}

// DeleteBlob removes a blob, honoring the cascade mode for snapshots.
func (c *Client) DeleteBlob(ctx context.Context, req api.DeleteBlobRequest) error {
	return c.post(ctx, "/v1/blob/delete", req, nil)
}

// GetBlobProperties fetches blob properties without content.
func (c *Client) GetBlobProperties(ctx context.Context, container, blob string) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.get(ctx, "/v1/blob/properties", blobQuery(container, blob), &out)
	return out, err
}

// BlobExists reports whether the blob's base version exists.
func (c *Client) BlobExists(ctx context.Context, container, blob string) (bool, error) {
	var out api.BlobExistsResponse
	if err := c.get(ctx, "/v1/blob/exists", blobQuery(container, blob), &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// SetBlobProperties updates system properties such as content type.
func (c *Client) SetBlobProperties(ctx context.Context, req api.SetBlobPropertiesRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/blob/properties", req, &out)
	return out, err
}

// SetBlobMetadata replaces blob user metadata.
func (c *Client) SetBlobMetadata(ctx context.Context, req api.SetBlobMetadataRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/blob/metadata", req, &out)
	return out, err
}

// Snapshot captures an immutable version of a blob.
func (c *Client) Snapshot(ctx context.Context, req api.SnapshotRequest) (api.SnapshotResponse, error) {
	var out api.SnapshotResponse
	err := c.post(ctx, "/v1/blob/snapshot", req, &out)
	return out, err
}

// ListSnapshots lists a blob's snapshots in creation order.
func (c *Client) ListSnapshots(ctx context.Context, container, blob string) (api.ListBlobsResponse, error) {
	var out api.ListBlobsResponse
	err := c.get(ctx, "/v1/blob/snapshots", blobQuery(container, blob), &out)
	return out, err
}

// PromoteSnapshot copies a snapshot into a writable blob.
func (c *Client) PromoteSnapshot(ctx context.Context, req api.PromoteSnapshotRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/blob/promote", req, &out)
	return out, err
}

// StageBlock uploads one uncommitted block.
func (c *Client) StageBlock(ctx context.Context, req api.StageBlockRequest) error {
	return c.post(ctx, "/v1/block/stage", req, nil)
}

// CommitBlockList atomically assembles staged blocks into blob content.
func (c *Client) CommitBlockList(ctx context.Context, req api.CommitBlockListRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/block/commit", req, &out)
	return out, err
}

// GetBlockList reports committed and staged blocks.
func (c *Client) GetBlockList(ctx context.Context, container, blob string) (api.BlockListResponse, error) {
	var out api.BlockListResponse
	err := c.get(ctx, "/v1/block/list", blobQuery(container, blob), &out)
	return out, err
}

// CreatePageBlob provisions a fixed-capacity sparse page blob.
func (c *Client) CreatePageBlob(ctx context.Context, req api.CreatePageBlobRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/page/create", req, &out)
	return out, err
}

// WritePages writes a 512-aligned range.
func (c *Client) WritePages(ctx context.Context, req api.WritePagesRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/page/write", req, &out)
	return out, err
}

// ClearPages zeroes a 512-aligned range.
func (c *Client) ClearPages(ctx context.Context, req api.WritePagesRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/page/clear", req, &out)
	return out, err
}

// ReadPages reads a range; never-written pages come back zeroed.
func (c *Client) ReadPages(ctx context.Context, req api.ReadPagesRequest) (api.ReadPagesResponse, error) {
	var out api.ReadPagesResponse
	err := c.post(ctx, "/v1/page/read", req, &out)
	return out, err
}

// GetPageRanges reports the coalesced written ranges of a page blob.
func (c *Client) GetPageRanges(ctx context.Context, container, blob string) (api.PageRangesResponse, error) {
	var out api.PageRangesResponse
	err := c.get(ctx, "/v1/page/ranges", blobQuery(container, blob), &out)
	return out, err
}

// AppendBlock appends content to an append blob.
func (c *Client) AppendBlock(ctx context.Context, req api.AppendBlockRequest) (api.BlobResponse, error) {
	var out api.BlobResponse
	err := c.post(ctx, "/v1/append", req, &out)
	return out, err
}

// ContainerLease performs a lease action on a container.
func (c *Client) ContainerLease(ctx context.Context, req api.LeaseRequest) (api.LeaseResponse, error) {
	var out api.LeaseResponse
	err := c.post(ctx, "/v1/container/lease", req, &out)
	return out, err
}

// BlobLease performs a lease action on a blob.
func (c *Client) BlobLease(ctx context.Context, req api.LeaseRequest) (api.LeaseResponse, error) {
	var out api.LeaseResponse
	err := c.post(ctx, "/v1/blob/lease", req, &out)
	return out, err
}

// ListContainers returns one page of containers.
func (c *Client) ListContainers(ctx context.Context, req api.ListContainersRequest) (api.ListContainersResponse, error) {
	var out api.ListContainersResponse
	err := c.post(ctx, "/v1/list/containers", req, &out)
	return out, err
}

// ListBlobs returns one page of blobs; a non-empty Delimiter switches to
// hierarchical listing.
func (c *Client) ListBlobs(ctx context.Context, req api.ListBlobsRequest) (api.ListBlobsResponse, error) {
	var out api.ListBlobsResponse
	err := c.post(ctx, "/v1/list/blobs", req, &out)
	return out, err
}

// StartCopy begins an asynchronous server-side copy.
func (c *Client) StartCopy(ctx context.Context, req api.StartCopyRequest) (api.CopyStatusResponse, error) {
	var out api.CopyStatusResponse
	err := c.post(ctx, "/v1/blob/copy", req, &out)
	return out, err
}

// CopyStatus reports the progress of the most recent copy onto a blob.
func (c *Client) CopyStatus(ctx context.Context, container, blob string) (api.CopyStatusResponse, error) {
	var out api.CopyStatusResponse
	err := c.get(ctx, "/v1/blob/copy/status", blobQuery(container, blob), &out)
	return out, err
}

// AbortCopy cancels a pending copy.
func (c *Client) AbortCopy(ctx context.Context, req api.AbortCopyRequest) error {
	return c.post(ctx, "/v1/blob/copy/abort", req, nil)
}

// SignSAS asks the server to mint a signed access token.
func (c *Client) SignSAS(ctx context.Context, req api.SignSASRequest) (api.SignSASResponse, error) {
	var out api.SignSASResponse
	err := c.post(ctx, "/v1/sas/sign", req, &out)
	return out, err
}

// ValidateSAS checks a token against a resource and permission.
func (c *Client) ValidateSAS(ctx context.Context, req api.ValidateSASRequest) (api.ValidateSASResponse, error) {
	var out api.ValidateSASResponse
	err := c.post(ctx, "/v1/sas/validate", req, &out)
	return out, err
}

// Health probes the /healthz endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}
