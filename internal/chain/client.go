package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// rpcErrInvalidParameter is the node's error code for a height past the
// current tip (bitcoind-lineage "Block height out of range").
const rpcErrInvalidParameter = -8

// Client speaks the veilcashd JSON-RPC surface the scanner needs:
// getblockcount, getblockhash and getblock verbosity 2.
type Client struct {
	url      string
	user     string
	password string

	hc    *http.Client
	reqID atomic.Int64
}

func NewClient(url, user, password string) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Source = (*Client)(nil)

func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, fmt.Errorf("chain: getblockcount: %w", err)
	}
	return height, nil
}

func (c *Client) BlockAt(ctx context.Context, height int64) (BlockView, error) {
	var hash string
	if err := c.call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrInvalidParameter {
			return BlockView{}, ErrNotYetAvailable
		}
		return BlockView{}, fmt.Errorf("chain: getblockhash(%d): %w", height, err)
	}

	var blk blockVerbose2
	if err := c.call(ctx, "getblock", []any{hash, 2}, &blk); err != nil {
		return BlockView{}, fmt.Errorf("chain: getblock(%d): %w", height, err)
	}
	if blk.Height != height {
		return BlockView{}, fmt.Errorf("chain: node returned unexpected height: got %d want %d", blk.Height, height)
	}
	return blk.toView(), nil
}

// RPCError is a structured error returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "1.0",
		"id":      c.reqID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("http %d", resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

type blockVerbose2 struct {
	Hash              string       `json:"hash"`
	Height            int64        `json:"height"`
	Time              int64        `json:"time"`
	PreviousBlockHash string       `json:"previousblockhash,omitempty"`
	Tx                []txVerbose2 `json:"tx"`
}

type txVerbose2 struct {
	TxID    string             `json:"txid"`
	Sapling []shieldedOutputV2 `json:"vShieldedOutput"`
	Orchard []shieldedOutputV2 `json:"orchard"`
}

type shieldedOutputV2 struct {
	Commitment    string `json:"cmu"`
	CMX           string `json:"cmx"`
	EphemeralKey  string `json:"ephemeralKey"`
	EncCiphertext string `json:"encCiphertext"`
}

func (b blockVerbose2) toView() BlockView {
	view := BlockView{
		Height:   b.Height,
		Hash:     b.Hash,
		PrevHash: b.PreviousBlockHash,
		Time:     b.Time,
		Txs:      make([]TxView, 0, len(b.Tx)),
	}
	for _, t := range b.Tx {
		tv := TxView{TxID: t.TxID}
		var idx uint32
		for _, o := range t.Sapling {
			tv.Outputs = append(tv.Outputs, ShieldedOutput{
				Pool:          PoolSapling,
				OutputIndex:   idx,
				Commitment:    o.Commitment,
				EphemeralKey:  o.EphemeralKey,
				EncCiphertext: o.EncCiphertext,
			})
			idx++
		}
		for _, o := range t.Orchard {
			cm := o.CMX
			if cm == "" {
				cm = o.Commitment
			}
			tv.Outputs = append(tv.Outputs, ShieldedOutput{
				Pool:          PoolOrchard,
				OutputIndex:   idx,
				Commitment:    cm,
				EphemeralKey:  o.EphemeralKey,
				EncCiphertext: o.EncCiphertext,
			})
			idx++
		}
		view.Txs = append(view.Txs, tv)
	}
	return view
}
