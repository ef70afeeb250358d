// nvsshell is an interactive SQLite-like shell for poking at an NVS
// partition: open a backing file, register namespaces, set/get typed
// values and blobs, and inspect recovery/wear statistics, all without
// writing a Go program against pkg/nvs directly.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/flashnvs/nvs/pkg/config"
	"github.com/flashnvs/nvs/pkg/entry"
	"github.com/flashnvs/nvs/pkg/nvs"
	"github.com/flashnvs/nvs/pkg/telemetry"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("NS"),
	readline.PcItem("SET",
		readline.PcItem("u8"), readline.PcItem("i8"),
		readline.PcItem("u16"), readline.PcItem("i16"),
		readline.PcItem("u32"), readline.PcItem("i32"),
		readline.PcItem("u64"), readline.PcItem("i64"),
		readline.PcItem("string"),
	),
	readline.PcItem("GET"),
	readline.PcItem("SETBLOB"),
	readline.PcItem("GETBLOB"),
	readline.PcItem("ERASE"),
	readline.PcItem("ERASENS"),
)

const helpText = `
nvsshell - interactive console for an NVS partition

Usage:
  nvsshell [partition_file] [page_count]   - start with a partition already open

Commands:
  .help                        - show this help message
  .open PATH PAGES             - open (or create) a partition image at PATH
  .close                       - close the current partition
  .exit                        - exit the program
  .stats                       - show operation and recovery statistics

  NS name                      - resolve or register a namespace, printing its index

  SET ns type key value        - store a scalar or string
                                  type is one of u8 i8 u16 i16 u32 i32 u64 i64 string
  GET ns type key               - retrieve a scalar or string
  SETBLOB ns key file           - store the contents of file as a blob
  GETBLOB ns key file           - write a stored blob's contents to file
  ERASE ns key                  - erase a single key
  ERASENS ns                    - erase every key registered under ns
`

func main() {
	fmt.Println("nvsshell")
	fmt.Println("Enter .help for usage hints.")

	var store *nvs.Store
	var partPath string

	if len(os.Args) > 1 {
		partPath = os.Args[1]
		pages := 8
		if len(os.Args) > 2 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil {
				pages = n
			}
		}
		var err error
		store, err = openPartition(partPath, pages)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening partition: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Opened %s (%d pages)\n", partPath, pages)
	}

	historyFile := filepath.Join(os.TempDir(), ".nvsshell_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "nvs> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		prompt := "nvs> "
		if partPath != "" {
			prompt = fmt.Sprintf("nvs:%s> ", partPath)
		}
		rl.SetPrompt(prompt)

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		if strings.HasPrefix(cmd, ".") {
			switch strings.ToLower(cmd) {
			case ".help":
				fmt.Print(helpText)

			case ".open":
				if len(parts) < 2 {
					fmt.Println("Error: missing path argument")
					continue
				}
				pages := 8
				if len(parts) >= 3 {
					if n, perr := strconv.Atoi(parts[2]); perr == nil {
						pages = n
					}
				}
				store, err = openPartition(parts[1], pages)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error opening partition: %s\n", err)
					continue
				}
				partPath = parts[1]
				fmt.Printf("Opened %s (%d pages)\n", partPath, pages)

			case ".close":
				if store == nil {
					fmt.Println("No partition open")
					continue
				}
				store = nil
				partPath = ""
				fmt.Println("Partition closed")

			case ".exit":
				fmt.Println("Goodbye!")
				return

			case ".stats":
				if store == nil {
					fmt.Println("No partition open")
					continue
				}
				for k, v := range store.Stats().GetStats() {
					fmt.Printf("  %s: %v\n", k, v)
				}

			default:
				fmt.Printf("Unknown command: %s\n", parts[0])
			}
			continue
		}

		if store == nil && cmd != "NS" {
			fmt.Println("Error: no partition open")
			continue
		}

		switch cmd {
		case "NS":
			if len(parts) != 2 {
				fmt.Println("Error: NS requires a name argument")
				continue
			}
			idx, err := store.GetNamespace(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Printf("%s -> namespace %d\n", parts[1], idx)

		case "SET":
			if len(parts) < 5 {
				fmt.Println("Error: SET requires ns type key value")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			typ := strings.ToLower(parts[2])
			key := parts[3]
			value := strings.Join(parts[4:], " ")
			if typ == "string" {
				err = store.SetString(ns, key, value)
			} else {
				var t entry.Type
				var n uint64
				t, n, err = parsePrimitive(typ, value)
				if err == nil {
					err = store.SetPrimitive(ns, key, t, n)
				}
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		case "GET":
			if len(parts) != 4 {
				fmt.Println("Error: GET requires ns type key")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			typ := strings.ToLower(parts[2])
			key := parts[3]
			if typ == "string" {
				s, err := store.GetString(ns, key)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					continue
				}
				fmt.Println(s)
			} else {
				t, _, perr := parsePrimitive(typ, "0")
				if perr != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", perr)
					continue
				}
				v, err := store.GetPrimitive(ns, key, t)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					continue
				}
				fmt.Println(formatPrimitive(typ, v))
			}

		case "SETBLOB":
			if len(parts) != 4 {
				fmt.Println("Error: SETBLOB requires ns key file")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			data, err := os.ReadFile(parts[3])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %s\n", parts[3], err)
				continue
			}
			if err := store.SetBlob(ns, parts[2], data); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Printf("OK (%d bytes)\n", len(data))

		case "GETBLOB":
			if len(parts) != 4 {
				fmt.Println("Error: GETBLOB requires ns key file")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			data, err := store.GetBlob(ns, parts[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			if err := os.WriteFile(parts[3], data, 0644); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing %s: %s\n", parts[3], err)
				continue
			}
			fmt.Printf("OK (%d bytes)\n", len(data))

		case "ERASE":
			if len(parts) != 3 {
				fmt.Println("Error: ERASE requires ns key")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			if err := store.Erase(ns, parts[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		case "ERASENS":
			if len(parts) != 2 {
				fmt.Println("Error: ERASENS requires ns")
				continue
			}
			ns, err := parseNS(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			if err := store.EraseNamespace(ns); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}

func openPartition(path string, pages int) (*nvs.Store, error) {
	cfg := config.NewDefaultConfig(path)
	cfg.PageCount = pages
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := cfg.OpenDevice()
	if err != nil {
		return nil, err
	}

	tel := telemetry.NewNoop()
	if cfg.TelemetryEnabled {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		t, err := telemetry.New(telCfg)
		if err != nil {
			return nil, err
		}
		tel = t
	}

	return nvs.Open(dev, cfg.PageCount, nvs.WithTelemetry(tel))
}

// parseNS parses an ns argument as a numeric namespace index. Names are
// not accepted here; the NS command looks up (or registers) a name's
// index first.
func parseNS(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("ns must be a numeric namespace index (use NS <name> to look one up): %w", err)
	}
	return uint8(n), nil
}

// formatPrimitive renders a raw primitive bit pattern for display,
// sign-extending signed types the same way parsePrimitive's ParseInt path
// narrows them on the way in.
func formatPrimitive(typ string, v uint64) string {
	switch typ {
	case "i8":
		return strconv.FormatInt(int64(int8(v)), 10)
	case "i16":
		return strconv.FormatInt(int64(int16(v)), 10)
	case "i32":
		return strconv.FormatInt(int64(int32(v)), 10)
	case "i64":
		return strconv.FormatInt(int64(v), 10)
	default:
		return strconv.FormatUint(v, 10)
	}
}

func parsePrimitive(typ, value string) (entry.Type, uint64, error) {
	var t entry.Type
	bits := 64
	signed := false
	switch typ {
	case "u8":
		t, bits = entry.TypeU8, 8
	case "i8":
		t, bits, signed = entry.TypeI8, 8, true
	case "u16":
		t, bits = entry.TypeU16, 16
	case "i16":
		t, bits, signed = entry.TypeI16, 16, true
	case "u32":
		t, bits = entry.TypeU32, 32
	case "i32":
		t, bits, signed = entry.TypeI32, 32, true
	case "u64":
		t, bits = entry.TypeU64, 64
	case "i64":
		t, bits, signed = entry.TypeI64, 64, true
	default:
		return 0, 0, fmt.Errorf("unrecognized type %q", typ)
	}

	if signed {
		n, err := strconv.ParseInt(value, 10, bits)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid %s value %q: %w", typ, value, err)
		}
		return t, uint64(n), nil
	}
	n, err := strconv.ParseUint(value, 10, bits)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s value %q: %w", typ, value, err)
	}
	return t, n, nil
}
