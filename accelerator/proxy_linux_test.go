//go:build linux && (amd64 || arm64)

package accelerator

import (
	"fmt"
	"testing"

	"go.viam.com/test"
)

func TestProxyRequestNumbers(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  uint
		want uint
	}{
		{"input layer", iocWrite(cmdInputLayer), 0x40080000},
		{"output layer", iocWrite(cmdOutputLayer), 0x40080001},
		{"layer create", iocWrite(cmdLayerCreate), 0x40080002},
		{"add rx tile", iocWrite(cmdLayerAddRxTile), 0x40080003},
		{"add tx command", iocWrite(cmdLayerAddTxCom), 0x40080004},
		{"concat", iocWrite(cmdLayerConcat), 0x40080005},
		{"split", iocWrite(cmdBufferSplit), 0x40080006},
		{"optimize dma", iocWrite(cmdLayerOptimizeDMA), 0x40080007},
		{"network execute", iocNone(cmdNetworkExecute), 0x9},
		{"print network", iocNone(cmdPrintNetwork), 0xd},
		{"self test", iocNone(cmdSelfTest), 0xf},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, fmt.Sprintf("%#x", tc.req), test.ShouldEqual, fmt.Sprintf("%#x", tc.want))
		})
	}
}
