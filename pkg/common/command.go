package common

// Wire commands. Requests and their responses share the message ID of the
// request; NewBlock and ServerBusy are unsolicited.
const (
	Handshake         = "Handshake"
	HandshakeResponse = "HandshakeResponse"

	GetBlockHeaders = "GetBlockHeaders"
	BlockHeaders    = "BlockHeaders"

	GetAccountProof = "GetAccountProof"
	AccountProof    = "AccountProof"

	SendTransaction       = "SendTransaction"
	SendTransactionResult = "SendTransactionResult"

	// announcements
	NewBlock = "NewBlock"

	ServerBusy = "ServerBusy"
)
