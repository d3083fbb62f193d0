package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// voteGasLimit mirrors the fixed gas budget the voting contract calls were
// deployed with.
const voteGasLimit = 200_000

var (
	// ErrInvalidAddress means a wallet address failed format validation.
	ErrInvalidAddress = errors.New("invalid address format")
	// ErrLedgerUnavailable is a transient transport failure talking to the chain.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrVoterNotEligible means the voter is unregistered or has already voted.
	ErrVoterNotEligible = errors.New("voter not eligible")
	// ErrInvalidCommitment means the biometric commitment is not a 32-byte hex string.
	ErrInvalidCommitment = errors.New("invalid biometric commitment")
)

const votingABI = `[
	{"name":"voters","type":"function","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"isRegistered","type":"bool"},{"name":"hasVoted","type":"bool"}]},
	{"name":"getCandidateCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"getCandidate","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"name","type":"string"},{"name":"voteCount","type":"uint256"}]},
	{"name":"registerVoter","type":"function","stateMutability":"nonpayable","inputs":[{"name":"voter","type":"address"},{"name":"biometricCommitment","type":"bytes32"}],"outputs":[]},
	{"name":"castVote","type":"function","stateMutability":"nonpayable","inputs":[{"name":"candidateId","type":"uint256"}],"outputs":[]}
]`

// VoterState is the ledger's view of an address. hasVoted is monotonic for
// the lifetime of an election; the contract owns that transition.
type VoterState struct {
	IsRegistered bool `json:"is_registered"`
	HasVoted     bool `json:"has_voted"`
}

// Candidate is one ballot entry with its running tally.
type Candidate struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	VoteCount uint64 `json:"vote_count"`
}

// UnsignedTransaction is a fully specified contract call lacking only a
// signature. The server never holds private keys; the client signs and
// submits this payload itself.
type UnsignedTransaction struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Nonce    uint64 `json:"nonce"`
	Value    string `json:"value"`
}

// Caller is the subset of an Ethereum client the bridge needs. It is
// satisfied by *ethclient.Client and stubbed in tests.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Bridge maps verified identities to on-chain voter state and constructs
// unsigned transactions. It only reads chain state and builds call data; it
// never signs, submits, or mutates anything, so every operation here is
// idempotent and safely retryable.
type Bridge struct {
	caller   Caller
	contract common.Address
	abi      abi.ABI
	logger   *zap.Logger
}

// NewBridge parses the voting contract ABI and validates the contract address.
func NewBridge(caller Caller, contractAddress string, logger *zap.Logger) (*Bridge, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(votingABI))
	if err != nil {
		return nil, fmt.Errorf("parse voting ABI: %w", err)
	}
	return &Bridge{
		caller:   caller,
		contract: common.HexToAddress(contractAddress),
		abi:      parsed,
		logger:   logger.Named("ledger_bridge"),
	}, nil
}

// LookupVoter reads the registration and voting flags for an address.
func (b *Bridge) LookupVoter(ctx context.Context, voterAddress string) (VoterState, error) {
	if !common.IsHexAddress(voterAddress) {
		return VoterState{}, fmt.Errorf("%w: %q", ErrInvalidAddress, voterAddress)
	}

	out, err := b.call(ctx, "voters", common.HexToAddress(voterAddress))
	if err != nil {
		return VoterState{}, err
	}

	values, err := b.abi.Unpack("voters", out)
	if err != nil || len(values) != 2 {
		return VoterState{}, fmt.Errorf("%w: decode voters response: %v", ErrLedgerUnavailable, err)
	}
	isRegistered, ok1 := values[0].(bool)
	hasVoted, ok2 := values[1].(bool)
	if !ok1 || !ok2 {
		return VoterState{}, fmt.Errorf("%w: unexpected voters response types", ErrLedgerUnavailable)
	}
	return VoterState{IsRegistered: isRegistered, HasVoted: hasVoted}, nil
}

// CandidateCount reads the number of ballot entries.
func (b *Bridge) CandidateCount(ctx context.Context) (int64, error) {
	out, err := b.call(ctx, "getCandidateCount")
	if err != nil {
		return 0, err
	}
	values, err := b.abi.Unpack("getCandidateCount", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("%w: decode candidate count: %v", ErrLedgerUnavailable, err)
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected candidate count type", ErrLedgerUnavailable)
	}
	return count.Int64(), nil
}

// Candidate reads one candidate's name and tally.
func (b *Bridge) Candidate(ctx context.Context, id int64) (Candidate, error) {
	out, err := b.call(ctx, "getCandidate", big.NewInt(id))
	if err != nil {
		return Candidate{}, err
	}
	values, err := b.abi.Unpack("getCandidate", out)
	if err != nil || len(values) != 2 {
		return Candidate{}, fmt.Errorf("%w: decode candidate: %v", ErrLedgerUnavailable, err)
	}
	name, ok1 := values[0].(string)
	votes, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return Candidate{}, fmt.Errorf("%w: unexpected candidate types", ErrLedgerUnavailable)
	}
	return Candidate{ID: id, Name: name, VoteCount: votes.Uint64()}, nil
}

// Candidates lists every candidate with its vote count.
func (b *Bridge) Candidates(ctx context.Context) ([]Candidate, error) {
	count, err := b.CandidateCount(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, count)
	for i := int64(0); i < count; i++ {
		candidate, err := b.Candidate(ctx, i)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// BuildRegistrationTx constructs an unsigned registerVoter call carrying the
// identity's biometric commitment (never the raw embedding).
func (b *Bridge) BuildRegistrationTx(ctx context.Context, adminAddress, voterAddress, commitmentHex string) (*UnsignedTransaction, error) {
	if !common.IsHexAddress(adminAddress) {
		return nil, fmt.Errorf("%w: admin %q", ErrInvalidAddress, adminAddress)
	}
	if !common.IsHexAddress(voterAddress) {
		return nil, fmt.Errorf("%w: voter %q", ErrInvalidAddress, voterAddress)
	}

	commitment, err := decodeCommitment(commitmentHex)
	if err != nil {
		return nil, err
	}

	data, err := b.abi.Pack("registerVoter", common.HexToAddress(voterAddress), commitment)
	if err != nil {
		return nil, fmt.Errorf("pack registerVoter: %w", err)
	}

	return b.buildUnsigned(ctx, adminAddress, data)
}

// BuildVoteTx constructs an unsigned castVote call. The eligibility check
// against current voter state is advisory fail-fast only; the contract's own
// atomic state transition is the final arbiter of double-vote prevention.
func (b *Bridge) BuildVoteTx(ctx context.Context, voterAddress string, candidateID int64) (*UnsignedTransaction, error) {
	state, err := b.LookupVoter(ctx, voterAddress)
	if err != nil {
		return nil, err
	}
	if !state.IsRegistered || state.HasVoted {
		return nil, fmt.Errorf("%w: registered=%t voted=%t", ErrVoterNotEligible, state.IsRegistered, state.HasVoted)
	}

	data, err := b.abi.Pack("castVote", big.NewInt(candidateID))
	if err != nil {
		return nil, fmt.Errorf("pack castVote: %w", err)
	}

	return b.buildUnsigned(ctx, voterAddress, data)
}

func (b *Bridge) buildUnsigned(ctx context.Context, fromAddress string, data []byte) (*UnsignedTransaction, error) {
	from := common.HexToAddress(fromAddress)

	nonce, err := b.caller.PendingNonceAt(ctx, from)
	if err != nil {
		b.logger.Error("nonce lookup failed", zap.Error(err), zap.String("address", fromAddress))
		return nil, fmt.Errorf("%w: nonce lookup: %v", ErrLedgerUnavailable, err)
	}
	gasPrice, err := b.caller.SuggestGasPrice(ctx)
	if err != nil {
		b.logger.Error("gas price lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: gas price lookup: %v", ErrLedgerUnavailable, err)
	}

	return &UnsignedTransaction{
		From:     from.Hex(),
		To:       b.contract.Hex(),
		Data:     hexutil.Encode(data),
		Gas:      voteGasLimit,
		GasPrice: gasPrice.String(),
		Nonce:    nonce,
		Value:    "0",
	}, nil
}

func (b *Bridge) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &b.contract, Data: data}, nil)
	if err != nil {
		b.logger.Error("contract call failed", zap.String("method", method), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, method, err)
	}
	return out, nil
}

func decodeCommitment(commitmentHex string) ([32]byte, error) {
	var commitment [32]byte
	trimmed := strings.TrimPrefix(commitmentHex, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 32 {
		return commitment, fmt.Errorf("%w: %q", ErrInvalidCommitment, commitmentHex)
	}
	copy(commitment[:], raw)
	return commitment, nil
}
