package handler

import (
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"predictmarket/internal/metatx"
	"predictmarket/internal/proxy"
	"predictmarket/internal/relayer"
)

type ProxyHandler struct {
	Directory *proxy.Directory
	Queue     *relayer.Queue
	Builder   *metatx.Builder
}

func (h *ProxyHandler) Register(r *gin.Engine) {
	p := r.Group("/proxy")
	p.POST("/meta-transaction", h.submit)
	p.GET("/meta-transaction/:txId", h.status)
	p.GET("/nonce/:address", h.nonce)
	p.GET("/status/:address", h.walletStatus)
	p.POST("/deploy", h.deploy)
	p.POST("/batch/prepare", h.prepareBatch)
	p.POST("/batch", h.submitBatch)
	p.GET("/queue/stats", h.queueStats)
}

type metaTxRequest struct {
	User      string `json:"user" binding:"required"`
	Target    string `json:"target" binding:"required"`
	Data      string `json:"data" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Deadline  int64  `json:"deadline" binding:"required"`
}

// metaTxResponse matches the public relay API shape rather than the common
// envelope: clients poll on success/txId directly.
type metaTxResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *ProxyHandler) submit(c *gin.Context) {
	if h.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, metaTxResponse{Success: false, Error: "relayer unavailable"})
		return
	}
	var req metaTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: err.Error()})
		return
	}
	if !common.IsHexAddress(req.User) || !common.IsHexAddress(req.Target) {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: "invalid user or target address"})
		return
	}
	data, err := hexutil.Decode(strings.TrimSpace(req.Data))
	if err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: "invalid call data encoding"})
		return
	}
	signature, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: "invalid signature encoding"})
		return
	}

	txID, err := h.Queue.Add(
		c.Request.Context(),
		common.HexToAddress(req.User),
		common.HexToAddress(req.Target),
		data,
		signature,
		req.Deadline,
	)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, relayer.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, relayer.ErrDeadlineElapsed):
			status = http.StatusBadRequest
		}
		c.JSON(status, metaTxResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metaTxResponse{Success: true, TxID: txID})
}

func (h *ProxyHandler) status(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, "relayer unavailable", nil)
		return
	}
	txID := strings.TrimSpace(c.Param("txId"))
	entry := h.Queue.Get(txID)
	if entry == nil {
		Error(c, http.StatusNotFound, "transaction not found", nil)
		return
	}
	Ok(c, entry, nil)
}

func (h *ProxyHandler) nonce(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusServiceUnavailable, "directory unavailable", nil)
		return
	}
	address := strings.TrimSpace(c.Param("address"))
	n, err := h.Directory.GetNonce(c.Request.Context(), address)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"address": strings.ToLower(address), "nonce": n.String()}, nil)
}

func (h *ProxyHandler) walletStatus(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusServiceUnavailable, "directory unavailable", nil)
		return
	}
	address := strings.TrimSpace(c.Param("address"))
	record, err := h.Directory.Status(c.Request.Context(), address)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, record, nil)
}

type deployRequest struct {
	User string `json:"user" binding:"required"`
}

func (h *ProxyHandler) deploy(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusServiceUnavailable, "directory unavailable", nil)
		return
	}
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	addr, txHash, err := h.Directory.EnsureDeployed(c.Request.Context(), req.User)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := gin.H{"proxy_address": addr.Hex()}
	if txHash != nil {
		out["tx_hash"] = txHash.Hex()
	}
	Ok(c, out, nil)
}

// batchRequest carries the parallel arrays a client submits for a batched
// meta-transaction. The approve arrays are optional and, when present, must
// match the call count.
type batchRequest struct {
	User     string   `json:"user" binding:"required"`
	Kinds    []string `json:"kinds" binding:"required"`
	Targets  []string `json:"targets" binding:"required"`
	Values   []string `json:"values"`
	Datas    []string `json:"datas" binding:"required"`
	Tokens   []string `json:"tokens"`
	Spenders []string `json:"spenders"`
	Amounts  []string `json:"amounts"`
	GasLimit uint64   `json:"gas_limit"`
	Deadline int64    `json:"deadline" binding:"required"`

	// Nonce and Signature are set only on final submission; prepare ignores
	// them and returns the digest the wallet should sign.
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (h *ProxyHandler) decodeBatch(c *gin.Context, req *batchRequest) (*metatx.Batch, bool) {
	if !common.IsHexAddress(req.User) {
		Error(c, http.StatusBadRequest, "invalid user address", nil)
		return nil, false
	}
	kinds := make([]metatx.CallKind, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = metatx.CallKind(strings.ToLower(strings.TrimSpace(k)))
	}
	targets := make([]common.Address, 0, len(req.Targets))
	for _, t := range req.Targets {
		if !common.IsHexAddress(t) {
			Error(c, http.StatusBadRequest, "invalid target address", nil)
			return nil, false
		}
		targets = append(targets, common.HexToAddress(t))
	}
	values := make([]*big.Int, len(req.Targets))
	for i := range req.Values {
		if i >= len(values) {
			break
		}
		if v, ok := new(big.Int).SetString(req.Values[i], 10); ok {
			values[i] = v
		}
	}
	datas := make([][]byte, 0, len(req.Datas))
	for _, d := range req.Datas {
		raw, err := hexutil.Decode(strings.TrimSpace(d))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid call data encoding", nil)
			return nil, false
		}
		datas = append(datas, raw)
	}

	calls, err := metatx.Compose(kinds, targets, values, datas)
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return nil, false
	}

	// Approve metadata rides in its own parallel arrays.
	if len(req.Tokens) > 0 {
		if len(req.Tokens) != len(calls) || len(req.Spenders) != len(calls) || len(req.Amounts) != len(calls) {
			Error(c, http.StatusBadRequest, "approve arrays must match call count", nil)
			return nil, false
		}
		for i := range calls {
			if calls[i].Kind != metatx.CallApprove {
				continue
			}
			if !common.IsHexAddress(req.Tokens[i]) || !common.IsHexAddress(req.Spenders[i]) {
				Error(c, http.StatusBadRequest, "invalid approve token or spender", nil)
				return nil, false
			}
			amount, ok := new(big.Int).SetString(req.Amounts[i], 10)
			if !ok {
				Error(c, http.StatusBadRequest, "invalid approve amount", nil)
				return nil, false
			}
			calls[i].Token = common.HexToAddress(req.Tokens[i])
			calls[i].Spender = common.HexToAddress(req.Spenders[i])
			calls[i].Amount = amount
		}
	}

	batch := &metatx.Batch{
		Sender:   common.HexToAddress(req.User),
		Calls:    calls,
		GasLimit: req.GasLimit,
		Deadline: req.Deadline,
	}
	if req.Nonce != "" {
		n, ok := new(big.Int).SetString(req.Nonce, 10)
		if !ok {
			Error(c, http.StatusBadRequest, "invalid nonce", nil)
			return nil, false
		}
		batch.Nonce = n
	}
	return batch, true
}

// prepareBatch elides redundant approvals and returns the digest the user
// signs, pinned to the wallet's live nonce.
func (h *ProxyHandler) prepareBatch(c *gin.Context) {
	if h.Builder == nil || h.Directory == nil {
		Error(c, http.StatusServiceUnavailable, "batch builder unavailable", nil)
		return
	}
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	batch, ok := h.decodeBatch(c, &req)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Builder.ElideRedundantApprovals(ctx, batch); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if len(batch.Calls) == 0 {
		Error(c, http.StatusBadRequest, metatx.ErrEmptyBatch.Error(), nil)
		return
	}
	nonce, err := h.Directory.GetNonce(ctx, req.User)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	batch.Nonce = nonce
	digest, err := metatx.BatchDigest(batch, h.Builder.Domain)
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	Ok(c, gin.H{
		"digest":   hexutil.Encode(digest),
		"payload":  hexutil.Bytes(metatx.EncodeCalls(batch.Calls)),
		"target":   batch.Calls[0].Target.Hex(),
		"nonce":    nonce.String(),
		"deadline": batch.Deadline,
		"calls":    len(batch.Calls),
	}, nil)
}

// submitBatch validates a signed batch and hands it to the relayer queue.
func (h *ProxyHandler) submitBatch(c *gin.Context) {
	if h.Builder == nil || h.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, metaTxResponse{Success: false, Error: "relayer unavailable"})
		return
	}
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: err.Error()})
		return
	}
	batch, ok := h.decodeBatch(c, &req)
	if !ok {
		return
	}
	signature, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: "invalid signature encoding"})
		return
	}
	batch.Signature = signature

	ctx := c.Request.Context()
	if err := h.Builder.Validate(ctx, batch); err != nil {
		c.JSON(http.StatusBadRequest, metaTxResponse{Success: false, Error: err.Error()})
		return
	}

	txID, err := h.Queue.Add(ctx, batch.Sender, batch.Calls[0].Target, metatx.EncodeCalls(batch.Calls), signature, batch.Deadline)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, relayer.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, relayer.ErrDeadlineElapsed):
			status = http.StatusBadRequest
		}
		c.JSON(status, metaTxResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metaTxResponse{Success: true, TxID: txID})
}

func (h *ProxyHandler) queueStats(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, "relayer unavailable", nil)
		return
	}
	Ok(c, h.Queue.Stats(), nil)
}
