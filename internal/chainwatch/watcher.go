// Package chainwatch watches a TON account for escrow event transfers and
// reports them to chain_event release conditions.
//
// A transfer carrying the text comment "escrow-event:<condition id>" marks
// that condition as occurred, verified at the transaction's block time.
package chainwatch

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const (
	Chain         = "ton"
	CommentPrefix = "escrow-event:"

	processedTTL = 7 * 24 * time.Hour
	txBatchSize  = 100
)

// EventSubmitter applies a chain fact to a condition.
type EventSubmitter interface {
	SubmitChainEvent(ctx context.Context, conditionID uuid.UUID, chain string, occurred bool, verifiedAt time.Time, txRef string) (*models.EscrowAggregate, error)
}

type TONWatcher struct {
	api       ton.APIClientWrapped
	addr      *address.Address
	cursor    Cursor
	submitter EventSubmitter
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewTONWatcher(api ton.APIClientWrapped, addr *address.Address, cursor Cursor, submitter EventSubmitter, m *metrics.Metrics, log *zap.Logger) *TONWatcher {
	return &TONWatcher{api: api, addr: addr, cursor: cursor, submitter: submitter, metrics: m, log: log}
}

// Connect opens a lite client connection. A configured lite server is used
// directly; otherwise servers come from the network's global config.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.EqualFold(cfg.TONNetwork, "mainnet") {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.EqualFold(cfg.TONNetwork, "mainnet") {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

// InitCursor starts a fresh watcher at the account's current state so only
// transactions arriving after the first start are reported.
func (w *TONWatcher) InitCursor(ctx context.Context) error {
	lt, _, err := w.cursor.Load(ctx)
	if err != nil {
		return err
	}
	if lt > 0 {
		w.log.Info("resuming from saved cursor", zap.Uint64("lt", lt))
		return nil
	}

	account, err := w.account(ctx)
	if err != nil {
		return err
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		w.log.Info("watched account not active yet, starting from LT=0")
		return nil
	}
	w.log.Info("cursor initialized at current account state",
		zap.Uint64("lt", account.LastTxLT),
		zap.String("hash", hex.EncodeToString(account.LastTxHash)),
	)
	return w.cursor.Save(ctx, account.LastTxLT, account.LastTxHash)
}

func (w *TONWatcher) account(ctx context.Context) (*tlb.Account, error) {
	block, err := w.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := w.api.GetAccount(ctx, block, w.addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// Poll reads transactions newer than the cursor, reports escrow events and
// advances the cursor. It returns the number of events reported.
func (w *TONWatcher) Poll(ctx context.Context) (int, error) {
	cursorLT, _, err := w.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	account, err := w.account(ctx)
	if err != nil {
		return 0, err
	}
	if account == nil || !account.IsActive || account.LastTxLT <= cursorLT {
		return 0, nil
	}

	txs, err := w.fetchSince(ctx, account, cursorLT)
	if err != nil {
		return 0, err
	}

	reported := 0
	for _, tx := range txs {
		ok, err := w.processTx(ctx, tx)
		if err != nil {
			// leave the cursor behind the failed transaction
			return reported, err
		}
		if ok {
			reported++
		}
	}
	return reported, w.cursor.Save(ctx, account.LastTxLT, account.LastTxHash)
}

// fetchSince pages backwards from the account's last transaction to the
// cursor and returns the new transactions oldest first.
func (w *TONWatcher) fetchSince(ctx context.Context, account *tlb.Account, cursorLT uint64) ([]*tlb.Transaction, error) {
	var out []*tlb.Transaction
	lt, hash := account.LastTxLT, account.LastTxHash
	for {
		txs, err := w.api.ListTransactions(ctx, w.addr, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			out = append(out, tx)
		}
		if reachedCursor || len(txs) < txBatchSize {
			break
		}
		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LT < out[j].LT })
	return out, nil
}

func (w *TONWatcher) processTx(ctx context.Context, tx *tlb.Transaction) (bool, error) {
	if tx.IO.In == nil {
		return false, nil
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return false, nil
	}
	return w.handleComment(ctx, tx.LT, time.Unix(int64(tx.Now), 0).UTC(), extractComment(inMsg))
}

// handleComment reports the event named by comment. Transactions are marked
// seen once handled; storage failures leave them unmarked for the next poll.
func (w *TONWatcher) handleComment(ctx context.Context, lt uint64, at time.Time, comment string) (bool, error) {
	conditionID, ok := ParseEventComment(comment)
	if !ok {
		return false, nil
	}
	seen, err := w.cursor.Seen(ctx, lt)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	txRef := strconv.FormatUint(lt, 10)
	_, err = w.submitter.SubmitChainEvent(ctx, conditionID, Chain, true, at, txRef)
	switch {
	case err == nil:
		w.metrics.ChainEvent()
		w.log.Info("chain event reported",
			zap.String("condition_id", conditionID.String()),
			zap.Uint64("lt", lt),
		)
		return true, w.cursor.MarkSeen(ctx, lt, "reported:"+conditionID.String())
	case apperr.IsValidation(err), apperr.IsNotFound(err), apperr.IsConflict(err):
		w.log.Warn("chain event rejected",
			zap.String("condition_id", conditionID.String()),
			zap.Uint64("lt", lt),
			zap.String("code", apperr.Code(err)),
		)
		return false, w.cursor.MarkSeen(ctx, lt, "rejected:"+apperr.Code(err))
	default:
		return false, err
	}
}

// ParseEventComment extracts the condition id from an escrow event comment.
func ParseEventComment(comment string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(comment), CommentPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(rest))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// extractComment parses a text comment from an internal message body.
// Text comments have opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}
	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}
	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}
	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
