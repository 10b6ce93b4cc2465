package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Dialer lazily connects to an RPC endpoint and reuses the connection.
type Dialer struct {
	url       string
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewDialer builds a dialer for an http(s) or ws(s) endpoint.
func NewDialer(url string) *Dialer {
	return &Dialer{url: url}
}

// Client returns the shared client, dialing on first use.
func (d *Dialer) Client(ctx context.Context) (*ethclient.Client, error) {
	d.clientMux.Lock()
	defer d.clientMux.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	if d.url == "" {
		return nil, errors.New("ledger rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, d.url)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

// Close releases the underlying connection if one was opened.
func (d *Dialer) Close() {
	d.clientMux.Lock()
	defer d.clientMux.Unlock()
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
}

var _ Client = (*ethclient.Client)(nil)
