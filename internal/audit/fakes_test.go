package audit_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
)

var (
	testTxHash    = ethtypes.MustNewHexBytes0xPrefix("0xabababababababababababababababababababababababababababababababab")
	testBlockHash = ethtypes.MustNewHexBytes0xPrefix("0xcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd")
)

type submission struct {
	to    ethtypes.Address0xHex
	value *big.Int
	data  []byte
}

// fakeChain records submissions and answers with a scripted receipt.
type fakeChain struct {
	mu          sync.Mutex
	submissions []submission
	submitErr   error
	awaitErr    error
	logs        []*chain.Log
	status      int64
	decoded     [][]byte
}

func newFakeChain() *fakeChain {
	return &fakeChain{status: 1}
}

func (f *fakeChain) SubmitTransaction(_ context.Context, to ethtypes.Address0xHex, value *big.Int, data []byte) (*chain.PendingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{to: to, value: value, data: data})
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &chain.PendingTransaction{
		Hash:        testTxHash,
		Nonce:       uint64(len(f.submissions) - 1),
		To:          to,
		SubmittedAt: time.Now(),
	}, nil
}

func (f *fakeChain) AwaitReceipt(_ context.Context, pending *chain.PendingTransaction) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	receipt := &chain.Receipt{
		BlockHash:        testBlockHash,
		BlockNumber:      ethtypes.HexUint64(77),
		TransactionHash:  pending.Hash,
		TransactionIndex: ethtypes.HexUint64(3),
		Status:           ethtypes.NewHexInteger(big.NewInt(f.status)),
		Logs:             f.logs,
	}
	if f.status == 0 {
		return receipt, &chain.RevertError{Method: "transaction", Reason: "execution reverted", TransactionHash: pending.Hash}
	}
	return receipt, nil
}

func (f *fakeChain) DecodeError(_ context.Context, revertData []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoded = append(f.decoded, revertData)
	return "decoded reason"
}

func (f *fakeChain) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeChain) lastSubmission() submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions[len(f.submissions)-1]
}

func subcallLog(outcome contracts.SubcallOutcome, index uint64) *chain.Log {
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[24:], index)
	batch := contracts.BatchPrecompile
	return &chain.Log{
		Address:         &batch,
		Topics:          []ethtypes.HexBytes0xPrefix{contracts.SubcallTopic(outcome)},
		Data:            data,
		BlockNumber:     ethtypes.HexUint64(77),
		BlockHash:       testBlockHash,
		TransactionHash: testTxHash,
		LogIndex:        ethtypes.HexUint64(index),
	}
}

// fakeBuilder returns a payload derived from the reading value, or an error
// for values listed in fail.
type fakeBuilder struct {
	fail map[int64]bool
}

func (b *fakeBuilder) BuildForward(_ context.Context, r metatx.Reading) ([]byte, error) {
	if b.fail[r.Value] {
		return nil, errors.New("cannot build")
	}
	return []byte(fmt.Sprintf("payload-%d", r.Value)), nil
}

func reading(id uint, device string, value int64) store.Reading {
	deadline := int64(4102444800)
	permit := "0xpermit"
	return store.Reading{
		ID:              id,
		DeviceAddress:   device,
		Value:           value,
		Timestamp:       int64(id),
		Signature:       "0xrecord",
		PermitDeadline:  &deadline,
		PermitSignature: &permit,
	}
}

// fakeEventStore serves a fixed selection and records inserts.
type fakeEventStore struct {
	mu         sync.Mutex
	readings   []store.Reading
	selectErr  error
	insertErr  error
	selections []store.Selection
	inserted   [][]store.Event
}

func (s *fakeEventStore) FindUnauditedBatch(_ context.Context, sel store.Selection) ([]store.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections = append(s.selections, sel)
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return s.readings, nil
}

func (s *fakeEventStore) InsertEvents(_ context.Context, events []store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, events)
	return nil
}

func (s *fakeEventStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

// fakeSubmitter returns scripted results and can block until released.
type fakeSubmitter struct {
	mu      sync.Mutex
	calls   int
	events  []store.Event
	err     error
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSubmitter) SubmitBatch(ctx context.Context, readings []store.Reading) ([]store.Event, error) {
	s.mu.Lock()
	s.calls++
	entered, release := s.entered, s.release
	events, err := s.events, s.err
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return events, err
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
