package gateway

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"healthlink-api/wallet"
)

var logger = flogging.MustGetLogger("healthlink.gateway")

// State is the lifecycle state of the managed connection.
type State int

const (
	Disconnected State = iota
	Discovering
	Connected
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// IdentityProvider resolves wallet identities into connection credentials.
type IdentityProvider interface {
	Get(id string) (*wallet.Identity, error)
}

// session bundles the handles of one live gateway connection.
type session struct {
	peerIndex int
	endpoint  string
	conn      *grpc.ClientConn
	gateway   *client.Gateway
	network   *client.Network
	contract  *client.Contract
}

type openFunc func(p Peer, target string, id *identity.X509Identity, sign identity.Sign) (*session, error)

// Manager owns the process's single gateway session. It is constructed once
// and passed into every component that talks to the ledger; initialize and
// teardown are explicit lifecycle calls on it.
type Manager struct {
	profile *Profile
	wallet  IdentityProvider

	mu         sync.Mutex
	state      State
	sess       *session
	identityID string
	chaincode  string

	open openFunc // swapped out by tests
}

// NewManager builds a disconnected manager over the given profile and wallet.
func NewManager(profile *Profile, w IdentityProvider) *Manager {
	m := &Manager{
		profile: profile,
		wallet:  w,
		state:   Disconnected,
	}
	m.open = m.openSession
	return m
}

// Connect establishes the gateway session as the given wallet identity,
// optionally overriding the profile's default chaincode. Discovery-advertised
// endpoints are tried first (with address remapping); if that phase fails,
// most commonly because the discovery path rejects the caller on access
// control, the statically configured endpoints are tried exactly once.
// Calling Connect on a connected manager replaces the session; when the new
// session cannot be established the old one stays live.
func (m *Manager) Connect(identityID, chaincodeOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, err := m.wallet.Get(identityID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return wrap(KindIdentityNotFound, "", fmt.Errorf("identity %q not in wallet: %w", identityID, err))
		}
		return wrap(KindConnectionFailed, "", fmt.Errorf("failed to load identity %q: %w", identityID, err))
	}

	if ident.OrganizationID != m.profile.MSPID {
		logger.Warnf("identity %s belongs to %s but the profile expects %s, continuing anyway",
			identityID, ident.OrganizationID, m.profile.MSPID)
	}

	chaincode := m.profile.Chaincode
	if chaincodeOverride != "" {
		chaincode = chaincodeOverride
	}
	previousChaincode := m.chaincode
	m.chaincode = chaincode
	m.state = Discovering

	sess, err := m.establish(ident)
	if err != nil {
		m.chaincode = previousChaincode
		if m.sess != nil {
			// The replacement failed but the old session is still good.
			m.state = Connected
			logger.Warnf("connect as %s failed, keeping existing session to %s: %v", identityID, m.sess.endpoint, err)
		} else {
			m.state = Disconnected
		}
		return err
	}

	m.teardownLocked()
	m.sess = sess
	m.identityID = identityID
	m.state = Connected
	logger.Infof("gateway connected to %s (channel %s, chaincode %s) as %s",
		sess.endpoint, m.profile.Channel, m.chaincode, identityID)
	return nil
}

// establish runs the two connect phases and returns the first usable session.
func (m *Manager) establish(ident *wallet.Identity) (*session, error) {
	id, sign, err := ident.Credentials()
	if err != nil {
		return nil, wrap(KindConnectionFailed, "", err)
	}

	var lastErr error

	if m.profile.Discovery.Enabled {
		for i, p := range m.profile.Peers {
			target := m.profile.Discovery.Apply(p.Address)
			sess, err := m.open(p, target, id, sign)
			if err == nil {
				sess.peerIndex = i
				return sess, nil
			}
			lastErr = err
			if isAccessDenied(err) {
				// Access rejection is not a connectivity problem; no other
				// discovered endpoint will answer differently.
				logger.Warnf("discovery endpoint %s rejected access, retrying with static endpoints: %v", target, err)
				break
			}
			logger.Warnf("discovery endpoint %s unreachable: %v", target, err)
		}
	}

	// The single retry with discovery disabled: statically configured
	// endpoints straight from the profile.
	for i, p := range m.profile.Peers {
		sess, err := m.open(p, p.Endpoint, id, sign)
		if err == nil {
			sess.peerIndex = i
			if m.profile.Discovery.Enabled {
				logger.Infof("connected through static endpoint %s after discovery failure", p.Endpoint)
			}
			return sess, nil
		}
		lastErr = err
		logger.Warnf("static endpoint %s failed: %v", p.Endpoint, err)
	}

	if lastErr == nil {
		return nil, Errorf(KindConnectionFailed, "no peers configured")
	}
	return nil, classifyConnect(lastErr)
}

// openSession dials one candidate endpoint, connects a gateway over it and
// probes the channel before declaring the session usable. The qscc probe is
// gated by the channel's access-control rules, so an unauthorized identity
// fails here rather than on the first business call.
func (m *Manager) openSession(p Peer, target string, id *identity.X509Identity, sign identity.Sign) (*session, error) {
	conn, err := m.dial(p, target)
	if err != nil {
		return nil, err
	}

	evaluate, endorse, submit, commitStatus := m.profile.Timeouts.durations()
	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(evaluate),
		client.WithEndorseTimeout(endorse),
		client.WithSubmitTimeout(submit),
		client.WithCommitStatusTimeout(commitStatus),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to gateway at %s: %w", target, err)
	}

	network := gw.GetNetwork(m.profile.Channel)
	if _, err := queryChannelInfo(network, m.profile.Channel); err != nil {
		gw.Close()
		conn.Close()
		return nil, err
	}

	return &session{
		endpoint: target,
		conn:     conn,
		gateway:  gw,
		network:  network,
		contract: network.GetContract(m.chaincode),
	}, nil
}

// dial opens the gRPC client connection for one peer endpoint.
func (m *Manager) dial(p Peer, target string) (*grpc.ClientConn, error) {
	if p.TLSCACertPath == "" {
		return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	certificatePEM, err := os.ReadFile(p.TLSCACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS CA certificate: %w", err)
	}
	certificate, err := identity.CertificateFromPEM(certificatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLS CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(certificate)

	serverName := p.ServerNameOverride
	if serverName == "" {
		serverName = p.Name
	}
	transportCredentials := credentials.NewClientTLSFromCert(certPool, serverName)

	connection, err := grpc.NewClient(target, grpc.WithTransportCredentials(transportCredentials))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return connection, nil
}

// current returns the live session, or a classified error when disconnected.
func (m *Manager) current() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.sess == nil {
		return nil, Errorf(KindConnectionFailed, "gateway not connected")
	}
	return m.sess, nil
}

// resolve picks the contract handle for a call: the session default, or a
// per-call override by name.
func (m *Manager) resolve(contractName string) (*client.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.sess == nil {
		return nil, Errorf(KindConnectionFailed, "gateway not connected")
	}
	if contractName == "" || contractName == m.chaincode {
		return m.sess.contract, nil
	}
	return m.sess.network.GetContract(contractName), nil
}

// Submit sends a write through the active session and waits for it to
// commit. Returns the endorsed payload and the transaction id.
func (m *Manager) Submit(contractName, function string, args ...string) ([]byte, string, error) {
	return m.submit(contractName, function, nil, args)
}

// SubmitWithTransient is Submit with a transient payload for private-data
// collections. Transient values are handed to the ledger call and never
// logged.
func (m *Manager) SubmitWithTransient(contractName, function string, transient map[string][]byte, args ...string) ([]byte, string, error) {
	return m.submit(contractName, function, transient, args)
}

func (m *Manager) submit(contractName, function string, transient map[string][]byte, args []string) ([]byte, string, error) {
	contract, err := m.resolve(contractName)
	if err != nil {
		return nil, "", err
	}

	logger.Infof("submit %s:%s args=%d transient_keys=%d", contract.ChaincodeName(), function, len(args), len(transient))

	options := []client.ProposalOption{client.WithArguments(args...)}
	if len(transient) > 0 {
		options = append(options, client.WithTransient(transient))
	}

	proposal, err := contract.NewProposal(function, options...)
	if err != nil {
		return nil, "", classifySubmit(err)
	}

	endorsed, err := proposal.Endorse()
	if err != nil {
		return nil, proposal.TransactionID(), classifySubmit(err)
	}

	commit, err := endorsed.Submit()
	if err != nil {
		return nil, endorsed.TransactionID(), classifySubmit(err)
	}

	commitStatus, err := commit.Status()
	if err != nil {
		return nil, commit.TransactionID(), classifySubmit(err)
	}
	if !commitStatus.Successful {
		err := fmt.Errorf("transaction %s committed with validation code %d", commitStatus.TransactionID, int32(commitStatus.Code))
		return nil, commitStatus.TransactionID, wrap(classifyValidationCode(commitStatus.Code), commitStatus.TransactionID, err)
	}

	logger.Infof("submit %s:%s committed in block %d (transaction %s)",
		contract.ChaincodeName(), function, commitStatus.BlockNumber, commitStatus.TransactionID)
	return endorsed.Result(), commitStatus.TransactionID, nil
}

// Evaluate runs a read-only call against a single peer.
func (m *Manager) Evaluate(contractName, function string, args ...string) ([]byte, error) {
	contract, err := m.resolve(contractName)
	if err != nil {
		return nil, err
	}

	logger.Debugf("evaluate %s:%s args=%d", contract.ChaincodeName(), function, len(args))

	result, err := contract.EvaluateTransaction(function, args...)
	if err != nil {
		return nil, classifyEvaluate(err)
	}
	return result, nil
}

// Failover replaces the session with one against the next static endpoint.
// The ledger layer calls this when the current peer stops answering.
func (m *Manager) Failover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected || m.sess == nil {
		return Errorf(KindConnectionFailed, "gateway not connected")
	}

	ident, err := m.wallet.Get(m.identityID)
	if err != nil {
		return wrap(KindConnectionFailed, "", fmt.Errorf("failed to reload identity %q: %w", m.identityID, err))
	}
	id, sign, err := ident.Credentials()
	if err != nil {
		return wrap(KindConnectionFailed, "", err)
	}

	n := len(m.profile.Peers)
	var lastErr error
	for step := 1; step <= n; step++ {
		i := (m.sess.peerIndex + step) % n
		p := m.profile.Peers[i]
		sess, err := m.open(p, p.Endpoint, id, sign)
		if err == nil {
			sess.peerIndex = i
			m.teardownLocked()
			m.sess = sess
			logger.Infof("failed over to %s", sess.endpoint)
			return nil
		}
		lastErr = err
		logger.Warnf("failover candidate %s failed: %v", p.Endpoint, err)
	}

	return classifyConnect(lastErr)
}

// Disconnect tears the session down. Safe to call repeatedly and when never
// connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Disconnected {
		return
	}
	m.teardownLocked()
	m.state = Disconnected
	m.identityID = ""
	logger.Info("gateway disconnected")
}

// teardownLocked closes and nils every held handle. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.sess == nil {
		return
	}
	if m.sess.gateway != nil {
		m.sess.gateway.Close()
	}
	if m.sess.conn != nil {
		m.sess.conn.Close()
	}
	m.sess = nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity is the wallet identity the session was opened as, empty when
// disconnected.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identityID
}

// Endpoint is the address of the peer the session is bound to, empty when
// disconnected.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.endpoint
}

// ChaincodeName is the contract the session is bound to.
func (m *Manager) ChaincodeName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chaincode != "" {
		return m.chaincode
	}
	return m.profile.Chaincode
}

// ChannelInfo queries qscc for the bound channel's height and block hashes.
func (m *Manager) ChannelInfo() (*ChannelInfo, error) {
	sess, err := m.current()
	if err != nil {
		return nil, err
	}
	info, err := queryChannelInfo(sess.network, m.profile.Channel)
	if err != nil {
		return nil, classifyEvaluate(err)
	}
	return info, nil
}

// ChaincodeEvents opens the chaincode event stream for the given chaincode
// (the session default when empty). The stream closes when ctx is cancelled.
func (m *Manager) ChaincodeEvents(ctx context.Context, chaincodeName string) (<-chan *client.ChaincodeEvent, error) {
	sess, err := m.current()
	if err != nil {
		return nil, err
	}
	if chaincodeName == "" {
		chaincodeName = m.ChaincodeName()
	}

	events, err := sess.network.ChaincodeEvents(ctx, chaincodeName)
	if err != nil {
		return nil, classifyEvaluate(err)
	}
	return events, nil
}

// BlockEvents opens the block event stream, optionally replaying from
// startBlock. The stream closes when ctx is cancelled.
func (m *Manager) BlockEvents(ctx context.Context, startBlock *uint64) (<-chan *common.Block, error) {
	sess, err := m.current()
	if err != nil {
		return nil, err
	}

	var options []client.BlockEventsOption
	if startBlock != nil {
		options = append(options, client.WithStartBlock(*startBlock))
	}

	events, err := sess.network.BlockEvents(ctx, options...)
	if err != nil {
		return nil, classifyEvaluate(err)
	}
	return events, nil
}
