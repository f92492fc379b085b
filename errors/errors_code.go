package errors

type Code string

const (
	CodeChainRPC    Code = "CHAIN_RPC_ERROR"
	CodeGasEstimate Code = "GAS_ESTIMATE_ERROR"
	PendingNonceAt  Code = "PENDING_NONCE_AT_ERROR"
	DailChain       Code = "DIAL_CHAIN_ERROR"
	SignerErr       Code = "SIGNER_ERROR"
	SendTxErr       Code = "SEND_TX_ERROR"
	GetchainIDErr   Code = "GET_CHAIN_ID_ERROR"

	CodeFeeEstimate   Code = "FEE_ESTIMATE_ERROR"
	CodeBalance       Code = "BALANCE_ERROR"
	CodeBuildTx       Code = "BUILD_TX_ERROR"
	CodeTxStatus      Code = "TX_STATUS_ERROR"
	CodeStore         Code = "STORE_ERROR"
	CodeAudit         Code = "AUDIT_LOG_ERROR"
	CodeSecondFactor  Code = "SECOND_FACTOR_ERROR"
	CodeCipherKeyLoad Code = "CIPHER_KEY_LOAD_ERROR"
)
