// Command qbdi-trace is a thin CLI front-end over the public qbdi.VM API
// (spec.md §6): it loads a statically-linked ELF or Mach-O image, maps its
// loadable segments into host memory, instruments a guest address range,
// and prints each executed instruction's address (with --verbose) and the
// memory accesses QBDI recorded for it (with --mem), the way a minimal
// trace tool built on top of the engine would.
//
// It deliberately does not implement a general-purpose loader: no dynamic
// linking, no relocation processing beyond the uniform load-bias shift
// every loadable segment receives. It is a harness for exercising the VM
// API end to end, not a replacement for a real loader.
package main

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"unsafe"

	"github.com/urfave/cli/v2"

	"github.com/qbdigo/qbdi/internal/gpr"
	"github.com/qbdigo/qbdi/internal/platform"
	"github.com/qbdigo/qbdi/qbdi"
)

func main() {
	os.Exit(doMain(os.Args, os.Stdout, os.Stderr))
}

// doMain is separated from main for the purpose of unit testing, the way
// cmd/wazero's own doMain(stdOut, stdErr) split is set up.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	app := &cli.App{
		Name:  "qbdi-trace",
		Usage: "instrument a range of a loaded ELF/Mach-O image and print an execution/memory-access trace",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "path to a statically-linked ELF or Mach-O image", Required: true},
			&cli.StringFlag{Name: "until", Aliases: []string{"u"}, Usage: "hex address (original image space) to stop at", Required: true},
			&cli.StringFlag{Name: "entry", Aliases: []string{"e"}, Usage: "hex address (original image space) to start at; defaults to the image's own entry point"},
			&cli.StringFlag{Name: "range", Aliases: []string{"r"}, Usage: "hex lo,hi address range (original image space) to instrument; defaults to the whole image"},
			&cli.BoolFlag{Name: "mem", Aliases: []string{"m"}, Usage: "record and print memory accesses"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print every translated instruction's address, not just memory accesses"},
		},
		Action: func(c *cli.Context) error {
			return run(c, stdOut, stdErr)
		},
	}
	app.Writer = stdOut
	app.ErrWriter = stdErr

	if err := app.Run(args); err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}
	return 0
}

func run(c *cli.Context, stdOut, stdErr io.Writer) error {
	img, err := loadImage(c.String("image"))
	if err != nil {
		return fmt.Errorf("qbdi-trace: %w", err)
	}

	entry := img.entry
	if s := c.String("entry"); s != "" {
		entry, err = parseHex(s)
		if err != nil {
			return fmt.Errorf("qbdi-trace: --entry: %w", err)
		}
	} else if img.entry == 0 {
		return fmt.Errorf("qbdi-trace: --entry is required: the image has no entry point")
	}
	until, err := parseHex(c.String("until"))
	if err != nil {
		return fmt.Errorf("qbdi-trace: --until: %w", err)
	}

	rangeLo, rangeHi := img.lo, img.hi
	if s := c.String("range"); s != "" {
		rangeLo, rangeHi, err = parseRange(s)
		if err != nil {
			return fmt.Errorf("qbdi-trace: --range: %w", err)
		}
	}

	mapped, delta, err := mapImage(img)
	if err != nil {
		return fmt.Errorf("qbdi-trace: %w", err)
	}
	defer func() { _ = platform.MunmapCodeSegment(mapped) }()

	const stackSize = 1 << 20
	stack, err := platform.MmapCodeSegment(bytes.NewReader(make([]byte, stackSize)), stackSize)
	if err != nil {
		return fmt.Errorf("qbdi-trace: allocate guest stack: %w", err)
	}
	defer func() { _ = platform.MunmapCodeSegment(stack) }()
	sp := hostAddr(stack) + stackSize - 0x100

	logger := qbdi.StdLogger{Logger: log.New(stdErr, "qbdi: ", 0)}
	cfg := qbdi.NewConfig().WithArch(gpr.ArchX86_64).WithLogger(logger)
	vm, err := qbdi.New(cfg)
	if err != nil {
		return fmt.Errorf("qbdi-trace: %w", err)
	}
	defer func() { _ = vm.Close() }()

	vm.AddInstrumentedRange(rangeLo+delta, rangeHi+delta)

	if c.Bool("mem") {
		if err := vm.RecordMemoryAccess(qbdi.RecordReadWrite); err != nil {
			return fmt.Errorf("qbdi-trace: %w", err)
		}
	}

	verbose := c.Bool("verbose")
	if _, err := vm.AddCodeCB(qbdi.PostInst, func(vm *qbdi.VM, g *qbdi.GPRState, _ *qbdi.FPRState, _ any) qbdi.VMAction {
		if verbose {
			fmt.Fprintf(stdOut, "%#08x\n", g.PC-delta)
		}
		if c.Bool("mem") {
			accesses, err := vm.GetInstMemoryAccess()
			if err != nil {
				fmt.Fprintln(stdErr, err)
				return qbdi.Continue
			}
			for _, a := range accesses {
				fmt.Fprintf(stdOut, "  %s %#x size=%d value=%#x\n", accessKind(a.Type), a.Address-delta, a.Size, a.Value)
			}
		}
		return qbdi.Continue
	}, nil); err != nil {
		return fmt.Errorf("qbdi-trace: %w", err)
	}

	g := vm.GetGPRState()
	g.Set(gpr.InfoFor(gpr.ArchX86_64).SPIndex(), sp)
	vm.SetGPRState(g)

	action, err := vm.Run(entry+delta, until+delta)
	if err != nil {
		return fmt.Errorf("qbdi-trace: run: %w", err)
	}
	fmt.Fprintf(stdOut, "stopped: %s at pc=%#x\n", action, vm.GetGPRState().PC-delta)
	return nil
}

func accessKind(t qbdi.AccessType) string {
	switch t {
	case qbdi.AccessRead:
		return "R"
	case qbdi.AccessWrite:
		return "W"
	default:
		return "?"
	}
}

func parseHex(s string) (uint64, error) {
	s = trimHexPrefix(s)
	return strconv.ParseUint(s, 16, 64)
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func parseRange(s string) (lo, hi uint64, err error) {
	i := indexByte(s, ',')
	if i < 0 {
		return 0, 0, fmt.Errorf("expected lo,hi, got %q", s)
	}
	lo, err = parseHex(s[:i])
	if err != nil {
		return 0, 0, err
	}
	hi, err = parseHex(s[i+1:])
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// segment is one loadable chunk of an image: addr is its original virtual
// address, data is its file contents, and memsz may exceed len(data) for
// a segment whose tail is zero-filled (.bss-style).
type segment struct {
	addr  uint64
	data  []byte
	memsz uint64
}

// image is the minimal loader result qbdi-trace needs: the set of
// loadable segments, their combined [lo, hi) span, and the original entry
// point. No relocation or dynamic-linking is performed — every segment is
// later mapped at a uniform offset from its own original address (the
// "load bias"), so references within the image that are self-relative
// continue to resolve; references to a dynamic linker or other images do
// not.
type image struct {
	segments []segment
	lo, hi   uint64
	entry    uint64
}

func loadImage(path string) (*image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	switch {
	case bytes.Equal(magic, []byte{0x7f, 'E', 'L', 'F'}):
		return loadELF(path)
	case isMachOMagic(magic):
		return loadMachO(path)
	default:
		return nil, fmt.Errorf("%s: unrecognised image format (not ELF or Mach-O)", path)
	}
}

func isMachOMagic(magic []byte) bool {
	be := uint32(magic[0])<<24 | uint32(magic[1])<<16 | uint32(magic[2])<<8 | uint32(magic[3])
	switch be {
	case macho.Magic32, macho.Magic64, macho.MagicFat:
		return true
	}
	le := uint32(magic[3])<<24 | uint32(magic[2])<<16 | uint32(magic[1])<<8 | uint32(magic[0])
	switch le {
	case macho.Magic32, macho.Magic64, macho.MagicFat:
		return true
	}
	return false
}

func loadELF(path string) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	img := &image{entry: f.Entry, lo: ^uint64(0)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read PT_LOAD segment at %#x: %w", p.Vaddr, err)
		}
		img.segments = append(img.segments, segment{addr: p.Vaddr, data: data, memsz: p.Memsz})
		if p.Vaddr < img.lo {
			img.lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > img.hi {
			img.hi = end
		}
	}
	if len(img.segments) == 0 {
		return nil, fmt.Errorf("%s: no PT_LOAD segments", path)
	}
	sort.Slice(img.segments, func(i, j int) bool { return img.segments[i].addr < img.segments[j].addr })
	return img, nil
}

// loadMachO maps every __TEXT/__DATA-style segment. Mach-O's entry point
// lives in an LC_MAIN or LC_UNIXTHREAD load command that debug/macho does
// not parse into a typed field, so --entry is required for Mach-O images;
// loadMachO leaves img.entry at zero and run rejects a zero entry point
// when no --entry is given.
func loadMachO(path string) (*image, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open Mach-O: %w", err)
	}
	defer f.Close()

	img := &image{lo: ^uint64(0)}
	for _, l := range f.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok || (seg.Filesz == 0 && seg.Memsz == 0) {
			continue
		}
		data, err := seg.Data()
		if err != nil {
			return nil, fmt.Errorf("read segment %s at %#x: %w", seg.Name, seg.Addr, err)
		}
		img.segments = append(img.segments, segment{addr: seg.Addr, data: data, memsz: seg.Memsz})
		if seg.Addr < img.lo {
			img.lo = seg.Addr
		}
		if end := seg.Addr + seg.Memsz; end > img.hi {
			img.hi = end
		}
	}
	if len(img.segments) == 0 {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	sort.Slice(img.segments, func(i, j int) bool { return img.segments[i].addr < img.segments[j].addr })
	return img, nil
}

// mapImage allocates one RW mapping sized to span img's segments and
// copies each segment's file bytes to its translated offset, returning the
// mapping and the uniform delta (mapped base − original base) run applies
// to every original-image address before handing it to the VM.
func mapImage(img *image) (mapped []byte, delta uint64, err error) {
	size := int(img.hi - img.lo)
	if size <= 0 {
		return nil, 0, fmt.Errorf("empty image span")
	}
	mapped, err = platform.MmapCodeSegment(bytes.NewReader(make([]byte, size)), size)
	if err != nil {
		return nil, 0, fmt.Errorf("map image: %w", err)
	}
	for _, seg := range img.segments {
		off := seg.addr - img.lo
		copy(mapped[off:off+uint64(len(seg.data))], seg.data)
	}
	return mapped, hostAddr(mapped) - img.lo, nil
}

// hostAddr returns the address of a mapped slice's backing memory as a
// plain uint64, the form the guest register file and translate() both
// traffic in.
func hostAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
