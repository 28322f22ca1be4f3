package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetkv/fleetkv/fleet/audit"
	"github.com/fleetkv/fleetkv/fleet/distribution"
	"github.com/fleetkv/fleetkv/fleet/keyspace"
	"github.com/fleetkv/fleetkv/fleet/metastore"
)

// HTTPStorageClient talks to storage servers (and the other stateful
// processes) over their admin HTTP endpoints.
type HTTPStorageClient struct {
	store        *metastore.Store
	httpClient   *http.Client
	tlogs        []string
	coordinators []string
}

func NewHTTPStorageClient(store *metastore.Store, tlogs, coordinators []string) *HTTPStorageClient {
	return &HTTPStorageClient{
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		tlogs:        tlogs,
		coordinators: coordinators,
	}
}

func (c *HTTPStorageClient) resolveAddress(ctx context.Context, server distribution.ServerID) (string, error) {
	var addr string
	err := metastore.RunTransaction(ctx, c.store, "resolveServerAddress", func(tx *metastore.Transaction) error {
		servers, err := distribution.GetServerList(tx)
		if err != nil {
			return err
		}
		for _, meta := range servers {
			if meta.ID == server {
				addr = meta.Address
				return nil
			}
		}
		return fmt.Errorf("server %s not in server list", server)
	})
	return addr, err
}

func (c *HTTPStorageClient) post(ctx context.Context, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch resp.StatusCode {
	case http.StatusConflict:
		// The server found an actual inconsistency.
		return fmt.Errorf("%w: %s", audit.ErrAuditError, msg)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", audit.ErrAuditCancelled, msg)
	case http.StatusNotImplemented:
		return distribution.ErrNotImplemented
	default:
		return fmt.Errorf("%s replied %d: %s", url, resp.StatusCode, msg)
	}
}

func (c *HTTPStorageClient) AuditStorage(ctx context.Context, server distribution.ServerID, req distribution.AuditStorageRequest) error {
	addr, err := c.resolveAddress(ctx, server)
	if err != nil {
		return err
	}
	return c.post(ctx, "http://"+addr+"/admin/audit", req)
}

func (c *HTTPStorageClient) FetchKeys(ctx context.Context, server distribution.ServerID, r keyspace.KeyRange, sources []distribution.ServerID) error {
	addr, err := c.resolveAddress(ctx, server)
	if err != nil {
		return err
	}
	return c.post(ctx, "http://"+addr+"/admin/fetchKeys", map[string]interface{}{
		"range":   r,
		"sources": sources,
	})
}

func (c *HTTPStorageClient) Snapshot(ctx context.Context, role distribution.SnapshotRole, address string, uid string, payload string) error {
	return c.post(ctx, "http://"+address+"/admin/snapshot", map[string]interface{}{
		"role":    role,
		"uid":     uid,
		"payload": payload,
	})
}

func (c *HTTPStorageClient) TLogAddresses(ctx context.Context) ([]string, error) {
	return c.tlogs, nil
}

func (c *HTTPStorageClient) CoordinatorAddresses(ctx context.Context) ([]string, error) {
	return c.coordinators, nil
}
