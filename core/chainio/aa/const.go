package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var EntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func SetEntrypointAddress(address common.Address) {
	EntrypointAddress = address
}
