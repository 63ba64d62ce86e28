// Package ethereum talks to the CrudFs ledger contract on an EVM chain.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Client is the chain connection the ledger needs. *ethclient.Client
// satisfies it.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config holds connection and signing settings.
type Config struct {
	Endpoint        string
	ChainID         uint64
	PrivateKey      string
	ContractAddress string
	ConfirmTimeout  time.Duration
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
}

// Ledger implements ledger.Backend against the deployed contract.
type Ledger struct {
	client   Client
	abi      abi.ABI
	contract *bind.BoundContract
	address  common.Address
	signer   *bind.TransactOpts
	timeout  time.Duration
}

// Dial connects to cfg.Endpoint and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", apperr.ErrLedgerUnavailable, redact(cfg.Endpoint), err)
	}
	l, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// New binds the contract on an existing client.
func New(client Client, cfg Config) (*Ledger, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: %q", apperr.ErrInvalidLedgerAddress, cfg.ContractAddress)
	}
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("ethereum: transactor: %w", err)
	}
	signer.GasLimit = cfg.GasLimit

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse abi: %w", err)
	}
	address := common.HexToAddress(cfg.ContractAddress)
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = ledger.DefaultConfirmTimeout
	}
	return &Ledger{
		client:   client,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		address:  address,
		signer:   signer,
		timeout:  timeout,
	}, nil
}

// Address implements ledger.Backend.
func (l *Ledger) Address() string { return l.address.Hex() }

// Close implements ledger.Backend.
func (l *Ledger) Close() error {
	if c, ok := l.client.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// Create implements ledger.Backend.
func (l *Ledger) Create(ctx context.Context, path string, cid contentid.ID, meta record.Metadata) (record.Record, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return record.Record{}, err
	}
	r := record.New(path, cid, meta)
	p, c, m := r.Encode()

	conf, err := l.mutate(ctx, methodCreate, eventCreate, p, c, m)
	if err != nil {
		return record.Record{}, err
	}
	if err := ledger.CheckKey(r.Key, conf.Key); err != nil {
		return record.Record{}, err
	}
	r.SetTimestamp(conf.Timestamp)
	return r, nil
}

// Read implements ledger.Backend.
func (l *Ledger) Read(ctx context.Context, key pathkey.Key) (record.Record, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodRead, [32]byte(key)); err != nil {
		return record.Record{}, classify(methodRead, err)
	}
	if len(out) > 0 {
		if p, ok := out[0].(string); ok && p == "" {
			return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
		}
	}
	r, err := record.Decode(out)
	if err != nil {
		return record.Record{}, err
	}
	if err := ledger.CheckKey(key, r.Key); err != nil {
		return record.Record{}, err
	}
	return r, nil
}

// Update implements ledger.Backend.
func (l *Ledger) Update(ctx context.Context, key pathkey.Key, cid contentid.ID, meta record.Metadata) (pathkey.Key, uint64, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return pathkey.Key{}, 0, err
	}
	conf, err := l.mutate(ctx, methodUpdate, eventUpdate, [32]byte(key), cid.String(), meta.String())
	if err != nil {
		return pathkey.Key{}, 0, err
	}
	return conf.Key, conf.Timestamp, nil
}

// Delete implements ledger.Backend.
func (l *Ledger) Delete(ctx context.Context, key pathkey.Key) error {
	conf, err := l.mutate(ctx, methodDelete, eventDelete, [32]byte(key))
	if err != nil {
		return err
	}
	return ledger.CheckKey(key, conf.Key)
}

// Keys implements ledger.Backend.
func (l *Ledger) Keys(ctx context.Context) ([]pathkey.Key, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodAllKeys); err != nil {
		return nil, classify(methodAllKeys, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s: want 1 value, got %d", apperr.ErrDecode, methodAllKeys, len(out))
	}
	raw, ok := out[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected type %T", apperr.ErrDecode, methodAllKeys, out[0])
	}
	keys := make([]pathkey.Key, len(raw))
	for i, k := range raw {
		keys[i] = pathkey.Key(k)
	}
	return keys, nil
}

// mutate submits method, waits for the receipt under the confirm timeout,
// then reads the emitted event back from the chain.
func (l *Ledger) mutate(ctx context.Context, method, event string, args ...any) (ledger.Confirmation, error) {
	opts := *l.signer
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, method, args...)
	if err != nil {
		return ledger.Confirmation{}, classify(method, err)
	}

	receipt, err := ledger.WaitConfirmation(ctx, l.timeout, func(ctx context.Context) (*types.Receipt, error) {
		return bind.WaitMined(ctx, l.client, tx)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrLedgerTimeout) || errors.Is(err, context.Canceled) {
			return ledger.Confirmation{}, err
		}
		return ledger.Confirmation{}, fmt.Errorf("%w: %s: wait mined: %w", apperr.ErrLedgerUnavailable, method, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return ledger.Confirmation{}, fmt.Errorf("%w: %s: transaction %s reverted", apperr.ErrLedgerRejected, method, tx.Hash().Hex())
	}
	return findConfirmation(ctx, l.client, l.address, l.abi.Events[event].ID, receipt)
}

type logSource interface {
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error)
}

// findConfirmation queries the receipt's block for the event emitted by the
// receipt's transaction.
func findConfirmation(ctx context.Context, src logSource, contract common.Address, eventID common.Hash, receipt *types.Receipt) (ledger.Confirmation, error) {
	blockHash := receipt.BlockHash
	logs, err := src.FilterLogs(ctx, goethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{eventID}},
	})
	if err != nil {
		return ledger.Confirmation{}, fmt.Errorf("%w: filter logs: %w", apperr.ErrLedgerUnavailable, err)
	}
	for _, lg := range logs {
		if lg.TxHash == receipt.TxHash && !lg.Removed {
			return parseConfirmation(lg)
		}
	}
	return ledger.Confirmation{}, fmt.Errorf("%w: tx %s in block %s", apperr.ErrEventNotFound, receipt.TxHash.Hex(), blockHash.Hex())
}

// parseConfirmation reads key from topic 1 and timestamp from topic 2.
func parseConfirmation(lg types.Log) (ledger.Confirmation, error) {
	if len(lg.Topics) < 3 {
		return ledger.Confirmation{}, fmt.Errorf("%w: event has %d topics, want 3", apperr.ErrDecode, len(lg.Topics))
	}
	ts := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	if !ts.IsUint64() {
		return ledger.Confirmation{}, fmt.Errorf("%w: timestamp overflows uint64: %s", apperr.ErrDecode, ts)
	}
	return ledger.Confirmation{Key: pathkey.Key(lg.Topics[1]), Timestamp: ts.Uint64()}, nil
}

// classify maps a submit or call error onto the ledger taxonomy.
func classify(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", apperr.ErrLedgerUnavailable, method, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %s: %w", apperr.ErrRecordNotFound, method, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "caller is not the owner"),
		strings.Contains(msg, "cannot be empty"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %s: %w", apperr.ErrLedgerRejected, method, err)
	default:
		return fmt.Errorf("%w: %s: %w", apperr.ErrLedgerUnavailable, method, err)
	}
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: invalid private key: %w", err)
	}
	return key, nil
}

// redact hides a trailing API key segment in an endpoint URL.
func redact(endpoint string) string {
	if i := strings.LastIndex(endpoint, "/"); i > len("https://") {
		return endpoint[:i] + "/***"
	}
	return endpoint
}

var _ ledger.Backend = (*Ledger)(nil)
