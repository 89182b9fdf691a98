package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// clipLicenseABI covers the subset of the ClipLicense contract the relayer
// and indexer touch.
const clipLicenseABI = `[
	{"type":"function","name":"buyLicenseFor","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"clipId","type":"uint256"},
		{"name":"buyer","type":"address"},
		{"name":"price","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"nonces","stateMutability":"view",
	 "inputs":[{"name":"","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"LicensePurchased","anonymous":false,
	 "inputs":[
		{"name":"licenseId","type":"uint256","indexed":true},
		{"name":"clipId","type":"uint256","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"startTs","type":"uint256","indexed":false},
		{"name":"expiryTs","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"receiptHash","type":"bytes32","indexed":false}]}
]`

const (
	methodBuyLicenseFor   = "buyLicenseFor"
	methodNonces          = "nonces"
	eventLicensePurchased = "LicensePurchased"
)

// ContractABI is the parsed ClipLicense interface.
var ContractABI = mustParseABI(clipLicenseABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: parse ClipLicense ABI: " + err.Error())
	}
	return parsed
}
