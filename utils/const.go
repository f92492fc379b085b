package utils

/*
BIP-44 path levels: m / purpose' / coin_type' / account' / change / address_index

	purpose'       44' for BIP-44 (P2PKH and account chains), 84' for native segwit (BIP-84)
	coin_type'     SLIP-44 registered coin: 0' BTC, 1' testnet, 60' ETH and EVM chains, 195' TRX, 501' SOL
	account'       one per wallet row; all wallets of a user share one master seed
	change         always 0 (external); UTXO change returns to the sending address
	address_index  n-th address of the account, normal derivation

A trailing apostrophe marks hardened derivation.
*/
const (
	PurposeBIP44 uint32 = 44
	PurposeBIP84 uint32 = 84

	CoinTypeBitcoin uint32 = 0
	CoinTypeTestnet uint32 = 1
	CoinTypeEther   uint32 = 60
	CoinTypeTron    uint32 = 195
	CoinTypeSolana  uint32 = 501

	ChangeExternal uint32 = 0
)
