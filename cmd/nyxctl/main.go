// nyxctl is a small debug CLI for the nyx fuzzing controller: it pretty-
// prints a live or post-mortem aux-buffer file and sanity-checks a
// campaign's config.ron/defaults.ron pair, without spawning a VM.
//
// Commands:
//
//	nyxctl dump <aux_buffer_file>    Pretty-print an aux-buffer file's regions
//	nyxctl doctor <sharedir>         Load and validate config.ron, report resolved fields
package main

import (
	"fmt"
	"os"

	"github.com/xfeldman/nyxctrl/internal/auxbuf"
	"github.com/xfeldman/nyxctrl/internal/shm"
	"github.com/xfeldman/nyxctrl/nyx"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nyxctl dump <aux_buffer_file> | nyxctl doctor <sharedir>")
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "dump":
		cmdDump(os.Args[2])
	case "doctor":
		cmdDoctor(os.Args[2])
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

// cmdDump maps path read-write, the same way the host controller does, and
// pretty-prints every region.
func cmdDump(path string) {
	region, err := shm.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyxctl: open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer region.Close()

	buf, err := auxbuf.New(region.Bytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyxctl: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("aux buffer: %s (%d bytes)\n", path, buf.Size())
	if err := buf.ValidateHeader(); err != nil {
		fmt.Printf("  header: INVALID (%v)\n", err)
	} else {
		fmt.Println("  header: ok")
	}

	fmt.Println("cap:")
	fmt.Printf("  redqueen=%v timeout_detection=%v trace_bitmap=%d ijon_trace=%v\n",
		buf.CapRedqueen(), buf.CapAgentTimeoutDetection(), buf.CapAgentTraceBitmap(), buf.CapAgentIjonTraceBitmap())
	fmt.Printf("  agent_input_buffer_size=%d agent_coverage_bitmap_size=%d\n",
		buf.CapAgentInputBufferSize(), buf.CapAgentCoverageBitmapSize())

	fmt.Println("result:")
	fmt.Printf("  state=%d exec_done=%d exec_result_code=%d reloaded=%v pt_overflow=%v\n",
		buf.State(), buf.ExecDone(), buf.ExecResultCode(), buf.Reloaded(), buf.PtOverflow())
	fmt.Printf("  page_not_found=%v page_not_found_addr=%#x tmp_snapshot_created=%v\n",
		buf.PageNotFound(), buf.PageNotFoundAddr(), buf.TmpSnapshotCreated())
	fmt.Printf("  dirty_pages=%d pt_trace_size=%d bb_coverage=%d runtime=%d.%06ds\n",
		buf.DirtyPages(), buf.PtTraceSize(), buf.BbCoverage(), buf.RuntimeSec(), buf.RuntimeUsec())

	misc := buf.MiscBytes()
	fmt.Printf("misc: %d bytes\n", len(misc))
	if len(misc) > 0 {
		fmt.Printf("  %q\n", buf.MiscString())
	}
}

// cmdDoctor loads sharedir's config.ron/defaults.ron pair and reports the
// fully resolved, merged configuration — the fastest way to tell whether a
// misconfigured campaign will fail at launch time versus at parse time.
func cmdDoctor(sharedir string) {
	cfg, err := nyx.LoadConfig(sharedir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyxctl: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sharedir: %s\n", cfg.Sharedir)
	fmt.Printf("workdir:  %s\n", cfg.Fuzz.WorkdirPath)
	fmt.Printf("bitmap_size=%d input_buffer_size=%d mem_limit=%d time_limit=%ds\n",
		cfg.Fuzz.BitmapSize, cfg.Fuzz.InputBufferSize, cfg.Fuzz.MemLimit, cfg.Fuzz.TimeLimitSec)
	if cfg.Fuzz.SeedPath != "" {
		fmt.Printf("seed_path: %s\n", cfg.Fuzz.SeedPath)
	}
	fmt.Printf("write_protected_input_buffer=%v exit_after_first_crash=%v\n",
		cfg.Fuzz.WriteProtectedInputBuffer, cfg.Fuzz.ExitAfterFirstCrash)

	active := 0
	for i, f := range cfg.Fuzz.IptFilters {
		if f.Active() {
			fmt.Printf("ip%d: %#x-%#x\n", i, f.A, f.B)
			active++
		}
	}
	if active == 0 {
		fmt.Println("ipt filters: none active")
	}

	fmt.Println("config OK")
}
