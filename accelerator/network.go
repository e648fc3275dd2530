package accelerator

import (
	"fmt"

	"github.com/pkg/errors"

	"go.intuitus.dev/driver/fault"
	"go.intuitus.dev/driver/logging"
)

// LayerType is the kind of a network layer as the device knows it.
type LayerType int32

// Layer types, in device order.
const (
	LayerInput LayerType = iota
	LayerOutput
	LayerConv1x1
	LayerInvBottleneck3x3
	LayerInvBottleneck5x5
	LayerConv3x3
	LayerConv5x5
	LayerResidual
	LayerConcat
	LayerSplit
	LayerUpsample
	LayerMaxpool2d
	LayerCopy
	LayerTestLoop
)

var layerNames = [...]string{
	"input", "output", "conv1x1", "inv_bottleneck3x3", "inv_bottleneck5x5", "conv3x3",
	"conv5x5", "residual", "concat", "split", "upsample", "maxpool2d", "copy", "test_loop",
}

func (t LayerType) String() string {
	if t >= 0 && int(t) < len(layerNames) {
		return layerNames[t]
	}
	return fmt.Sprintf("layer(%d)", int32(t))
}

// Tile is a half-open rectangle of a feature map: x0 and y0 are included, x1
// and y1 are not.
type Tile struct {
	X0, Y0, X1, Y1 uint32
}

// LayerArgs creates a layer.
type LayerArgs struct {
	Type           LayerType
	SrcBuffer      int32
	ID             int32
	RxTiles        uint32
	TxTiles        uint32
	InChannels     uint32
	OutChannels    uint32
	Width          uint32
	Height         uint32
	ScatteredLines int8
}

// CommandArgs adds one block of tx commands for an input channel of a tile.
type CommandArgs struct {
	Layer     int32
	Tile      Tile
	Channel   int32
	CommandID int32
}

// RxTileArgs adds one rx descriptor for an output channel of a tile.
type RxTileArgs struct {
	Layer   int32
	Tile    Tile
	Channel int32
	Last    bool
	TileID  int32
}

// ConcatArgs concatenates the outputs of two layers.
type ConcatArgs struct {
	Layer, First, Second int32
}

// SplitArgs splits a layer's output into Groups consecutive layers starting
// at Layer.
type SplitArgs struct {
	Layer, Src, Groups int32
}

// OptArgs sizes the DMA scatter lists of a layer.
type OptArgs struct {
	Layer  int32
	TxSize uint32
	RxSize uint32
}

// A LayerTransport builds a network on the device one layer at a time.
type LayerTransport interface {
	InputLayer(args LayerArgs) error
	// OutputLayer returns the number of output bytes the layer adds.
	OutputLayer(args LayerArgs) (int, error)
	CreateLayer(args LayerArgs) error
	AddTxCommand(args CommandArgs, words []int32) error
	AddRxTile(args RxTileArgs) error
	Concat(args ConcatArgs) error
	Split(args SplitArgs) error
	OptimizeDMA(args OptArgs) error
}

// Tile array row widths.
const (
	TxTileDim = 4
	RxTileDim = 6
)

// Conv2D describes a convolution layer.
type Conv2D struct {
	ID             int32
	Type           LayerType
	Src            int32
	InChannels     uint32
	OutHeight      uint32
	OutWidth       uint32
	OutChannels    uint32
	ScatteredLines uint32
	// TxTiles holds rows of {y0, y1, x0, x1}.
	TxTiles   []uint32
	TxTileDim int
	// RxTiles holds rows of {y0, y1, x0, x1, first channel, end channel}.
	RxTiles   []uint32
	RxTileDim int
	// Commands is every command block back to back; CommandLengths has one
	// entry per (tx tile, input channel) pair in tile-major order.
	Commands       []int32
	CommandLengths []uint32
}

// Network assembles a network on the device.
type Network struct {
	lt     LayerTransport
	logger logging.Logger

	input       Shape
	outputBytes int
	layers      int
}

// NewNetwork returns a builder issuing layers through lt.
func NewNetwork(lt LayerTransport, logger logging.Logger) *Network {
	return &Network{lt: lt, logger: logger}
}

// OutputBytes is the total size of all output layers created so far.
func (n *Network) OutputBytes() int {
	return n.outputBytes
}

// InputShape is the shape given to Input.
func (n *Network) InputShape() Shape {
	return n.input
}

// Layers is the number of layers created so far.
func (n *Network) Layers() int {
	return n.layers
}

func dimensionMismatch(op, format string, args ...interface{}) error {
	return &fault.Error{
		Kind: fault.ModelRejected,
		Op:   op,
		Code: CodeDimensionMismatch,
		Err:  errors.Errorf(format, args...),
	}
}

// Input creates the input layer.
func (n *Network) Input(s Shape) error {
	if !s.valid() {
		return dimensionMismatch("input layer", "bad input shape %v", s)
	}
	err := n.lt.InputLayer(LayerArgs{
		Type:        LayerInput,
		RxTiles:     1,
		TxTiles:     1,
		InChannels:  uint32(s.C),
		OutChannels: uint32(s.C),
		Width:       uint32(s.W),
		Height:      uint32(s.H),
	})
	if err != nil {
		return errors.Wrap(err, "create input layer")
	}
	n.input = s
	n.layers++
	return nil
}

// Output creates an output layer exporting src.
func (n *Network) Output(id, src int32) error {
	size, err := n.lt.OutputLayer(LayerArgs{
		Type:      LayerOutput,
		SrcBuffer: src,
		ID:        id,
		RxTiles:   1,
		TxTiles:   1,
	})
	if err != nil {
		return errors.Wrap(err, "create output layer")
	}
	n.outputBytes += size
	n.layers++
	n.logger.Debugw("output layer", "id", id, "src", src, "outputBytes", n.outputBytes)
	return nil
}

// Conv2D creates a convolution layer and transfers its tiles and commands.
func (n *Network) Conv2D(c Conv2D) error {
	const op = "conv2d"
	if c.RxTileDim != RxTileDim {
		return dimensionMismatch(op, "rx tile dimension is %d, expected %d", c.RxTileDim, RxTileDim)
	}
	if c.TxTileDim != TxTileDim {
		return dimensionMismatch(op, "tx tile dimension is %d, expected %d", c.TxTileDim, TxTileDim)
	}
	if len(c.TxTiles)%TxTileDim != 0 || len(c.RxTiles)%RxTileDim != 0 {
		return dimensionMismatch(op, "tile arrays of %d and %d values are not whole rows", len(c.TxTiles), len(c.RxTiles))
	}
	txCount := len(c.TxTiles) / TxTileDim
	rxCount := len(c.RxTiles) / RxTileDim
	if len(c.CommandLengths) != txCount*int(c.InChannels) {
		return dimensionMismatch(op, "%d command blocks, expected %d tiles times %d channels",
			len(c.CommandLengths), txCount, c.InChannels)
	}
	total := 0
	for _, l := range c.CommandLengths {
		total += int(l)
	}
	if total != len(c.Commands) {
		return dimensionMismatch(op, "command block is %d words, command lengths sum to %d", len(c.Commands), total)
	}

	err := n.lt.CreateLayer(LayerArgs{
		Type:           c.Type,
		SrcBuffer:      c.Src,
		ID:             c.ID,
		RxTiles:        uint32(rxCount),
		TxTiles:        uint32(txCount),
		InChannels:     c.InChannels,
		OutChannels:    c.OutChannels,
		Width:          c.OutWidth,
		Height:         c.OutHeight,
		ScatteredLines: int8(c.ScatteredLines),
	})
	if err != nil {
		return errors.Wrapf(err, "create layer %d", c.ID)
	}

	pos := 0
	for k := 0; k < txCount; k++ {
		row := c.TxTiles[k*TxTileDim:]
		tile := Tile{Y0: row[0], Y1: row[1], X0: row[2], X1: row[3]}
		for j := 0; j < int(c.InChannels); j++ {
			length := int(c.CommandLengths[k*int(c.InChannels)+j])
			args := CommandArgs{Layer: c.ID, Tile: tile, Channel: int32(j), CommandID: int32(k*int(c.InChannels) + j)}
			if err := n.lt.AddTxCommand(args, c.Commands[pos:pos+length]); err != nil {
				return errors.Wrapf(err, "layer %d: add commands for tile %d channel %d", c.ID, k, j)
			}
			pos += length
		}
	}

	id := int32(0)
	for k := 0; k < rxCount; k++ {
		row := c.RxTiles[k*RxTileDim:]
		tile := Tile{Y0: row[0], Y1: row[1], X0: row[2], X1: row[3]}
		last := k == rxCount-1 || (c.OutHeight == tile.Y1 && c.OutWidth == tile.X1)
		for j := row[4]; j < row[5]; j++ {
			args := RxTileArgs{Layer: c.ID, Tile: tile, Channel: int32(j), Last: last, TileID: id}
			if err := n.lt.AddRxTile(args); err != nil {
				return errors.Wrapf(err, "layer %d: add rx tile %d channel %d", c.ID, k, j)
			}
			id++
		}
	}
	n.layers++
	return nil
}

// Concat concatenates the outputs of first and second into layer id.
func (n *Network) Concat(id, first, second int32) error {
	if err := n.lt.Concat(ConcatArgs{Layer: id, First: first, Second: second}); err != nil {
		return errors.Wrapf(err, "concat layers %d and %d", first, second)
	}
	n.layers++
	return nil
}

// Split divides src's output into groups layers numbered from id.
func (n *Network) Split(id, src, groups int32) error {
	if groups <= 0 {
		return dimensionMismatch("split", "%d groups", groups)
	}
	if err := n.lt.Split(SplitArgs{Layer: id, Src: src, Groups: groups}); err != nil {
		return errors.Wrapf(err, "split layer %d", src)
	}
	n.layers += int(groups)
	return nil
}

func (n *Network) simple(t LayerType, id, src int32, channels, height, width uint32, lines int8) error {
	err := n.lt.CreateLayer(LayerArgs{
		Type:           t,
		SrcBuffer:      src,
		ID:             id,
		InChannels:     channels,
		OutChannels:    channels,
		Width:          width,
		Height:         height,
		ScatteredLines: lines,
	})
	if err != nil {
		return errors.Wrapf(err, "create %v layer %d", t, id)
	}
	n.layers++
	return nil
}

// Upsample scales src by two in both directions.
func (n *Network) Upsample(id, src int32, channels, height, width uint32) error {
	return n.simple(LayerUpsample, id, src, channels, height, width, 0)
}

// MaxPool2D pools src with a 2x2 window and the given stride.
func (n *Network) MaxPool2D(id, src int32, channels, height, width uint32, stride int8) error {
	return n.simple(LayerMaxpool2d, id, src, channels, height, width, stride)
}

// Copy copies src's output into a new buffer.
func (n *Network) Copy(id, src int32, channels, height, width uint32) error {
	return n.simple(LayerCopy, id, src, channels, height, width, 0)
}
