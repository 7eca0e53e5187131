package pgtiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient is an interface that lets you swap out the default
// client with a mock one in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RPCBackend calls the tile function through a PostgREST-style HTTP
// gateway: POST {base}/rpc/{fn} with JSON parameters, a JSON body
// carrying either "data" or "error" in return.
type RPCBackend struct {
	baseURL string
	client  HTTPClient
}

// NewRPCBackend creates a backend for the gateway at baseURL. A nil
// client uses http.DefaultClient.
func NewRPCBackend(baseURL string, client HTTPClient) *RPCBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &RPCBackend{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

type rpcResult struct {
	Data  string `json:"data"`
	Error string `json:"error"`
}

func (b *RPCBackend) call(ctx context.Context, fn string, params interface{}) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return "", err
	}

	var result rpcResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("rpc %s: HTTP %d", fn, resp.StatusCode)
		}
		return "", fmt.Errorf("rpc %s: undecodable response: %w", fn, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("rpc %s: %s", fn, result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rpc %s: HTTP %d", fn, resp.StatusCode)
	}
	return result.Data, nil
}

func (b *RPCBackend) MVT(ctx context.Context, z uint8, x uint32, y uint32) (string, error) {
	return b.call(ctx, "mvt", map[string]uint32{"z": uint32(z), "x": x, "y": y})
}

func (b *RPCBackend) Record(ctx context.Context, id int64) ([]byte, error) {
	data, err := b.call(ctx, "record", map[string]int64{"id": id})
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}
