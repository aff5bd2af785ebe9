package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/marcinbor85/gohex"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/logging"
	"ecuprobe/internal/ranges"
	"ecuprobe/internal/uds"
)

func newPrimitiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "primitive",
		Short: "Single UDS exchanges against a target",
	}

	cmd.PersistentFlags().Int("session", 0, "Enter this diagnostic session first")

	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newReadDIDCmd())
	cmd.AddCommand(newWriteDIDCmd())
	cmd.AddCommand(newReadMemoryCmd())
	cmd.AddCommand(newWriteMemoryCmd())
	cmd.AddCommand(newRoutineCmd())
	cmd.AddCommand(newDTCCmd())
	cmd.AddCommand(newUnlockCmd())
	cmd.AddCommand(newRawCmd())
	cmd.AddCommand(newFlashWriteCmd())

	return cmd
}

// primitiveRunE wraps the shared connect/session/teardown sequence around
// one exchange.
func primitiveRunE(cmd *cobra.Command, script string,
	fn func(ctx context.Context, client *uds.Client) error) error {

	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	env, err := newRunEnvFromConfig(cfg, script)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	run := func() error {
		client, closeClient, err := env.openClient(ctx)
		if err != nil {
			return err
		}
		defer closeClient()

		if s, _ := cmd.Flags().GetInt("session"); s > 0 {
			if err := client.SetSession(ctx, byte(s)); err != nil {
				return fmt.Errorf("enter session 0x%02x: %w", s, err)
			}
		}
		return fn(ctx, client)
	}
	return env.finish(run())
}

func parseByteArg(s string) (byte, error) {
	v, err := ranges.ParseInt(s)
	if err != nil {
		return 0, err
	}
	if v > 0xFF {
		return 0, fmt.Errorf("value %#x does not fit a byte", v)
	}
	return byte(v), nil
}

func parseUint16Arg(s string) (uint16, error) {
	v, err := ranges.ParseInt(s)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFF {
		return 0, fmt.Errorf("value %#x does not fit 16 bits", v)
	}
	return uint16(v), nil
}

func parseUint64Arg(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse int %q: %w", s, err)
	}
	return v, nil
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check target liveness with TesterPresent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return primitiveRunE(cmd, "primitive-ping", func(ctx context.Context, client *uds.Client) error {
				if err := client.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "target answers")
				return nil
			})
		},
	}
}

func newSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-session <session>",
		Short: "Switch the target's diagnostic session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := parseByteArg(args[0])
			if err != nil {
				return err
			}
			return primitiveRunE(cmd, "primitive-set-session", func(ctx context.Context, client *uds.Client) error {
				if err := client.SetSession(ctx, session); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "session 0x%02x active\n", session)
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the ECU",
		RunE: func(cmd *cobra.Command, args []string) error {
			resetType, _ := cmd.Flags().GetInt("type")
			return primitiveRunE(cmd, "primitive-reset", func(ctx context.Context, client *uds.Client) error {
				if err := client.ECUReset(ctx, byte(resetType)); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "reset accepted")
				return nil
			})
		},
	}
	cmd.Flags().Int("type", 0x01, "Reset type (1: hard, 2: key-off-on, 3: soft)")
	return cmd
}

func newReadDIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read-did <id>",
		Short: "ReadDataByIdentifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint16Arg(args[0])
			if err != nil {
				return err
			}
			return primitiveRunE(cmd, "primitive-read-did", func(ctx context.Context, client *uds.Client) error {
				data, err := client.ReadDataByIdentifier(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "0x%04X: %x\n", id, data)
				return nil
			})
		},
	}
}

func newWriteDIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write-did <id> <hexdata>",
		Short: "WriteDataByIdentifier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint16Arg(args[0])
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			return primitiveRunE(cmd, "primitive-write-did", func(ctx context.Context, client *uds.Client) error {
				if err := client.WriteDataByIdentifier(ctx, id, data); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "0x%04X written\n", id)
				return nil
			})
		},
	}
}

func newReadMemoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read-memory <addr> <size>",
		Short: "ReadMemoryByAddress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint64Arg(args[0])
			if err != nil {
				return err
			}
			size, err := ranges.ParseInt(args[1])
			if err != nil {
				return err
			}
			return primitiveRunE(cmd, "primitive-read-memory", func(ctx context.Context, client *uds.Client) error {
				data, err := client.ReadMemoryByAddress(ctx, addr, size)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%#x: %x\n", addr, data)
				return nil
			})
		},
	}
}

func newWriteMemoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write-memory <addr> <hexdata>",
		Short: "WriteMemoryByAddress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint64Arg(args[0])
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			return primitiveRunE(cmd, "primitive-write-memory", func(ctx context.Context, client *uds.Client) error {
				if err := client.WriteMemoryByAddress(ctx, addr, data); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%d bytes written at %#x\n", len(data), addr)
				return nil
			})
		},
	}
}

func newRoutineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routine <start|stop|results> <id> [hexdata]",
		Short: "RoutineControl",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subFunc byte
			switch args[0] {
			case "start":
				subFunc = 0x01
			case "stop":
				subFunc = 0x02
			case "results":
				subFunc = 0x03
			default:
				return fmt.Errorf("unknown routine action %q", args[0])
			}
			id, err := parseUint16Arg(args[1])
			if err != nil {
				return err
			}
			var data []byte
			if len(args) == 3 {
				if data, err = hex.DecodeString(args[2]); err != nil {
					return fmt.Errorf("data: %w", err)
				}
			}
			return primitiveRunE(cmd, "primitive-routine", func(ctx context.Context, client *uds.Client) error {
				result, err := client.RoutineControl(ctx, subFunc, id, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "routine 0x%04X: %x\n", id, result)
				return nil
			})
		},
	}
}

func newDTCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dtc",
		Short: "Diagnostic trouble code operations",
	}

	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Report DTCs by status mask",
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, _ := cmd.Flags().GetInt("mask")
			return primitiveRunE(cmd, "primitive-dtc-read", func(ctx context.Context, client *uds.Client) error {
				data, err := client.ReadDTC(ctx, byte(mask))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%x\n", data)
				return nil
			})
		},
	}
	readCmd.Flags().Int("mask", 0xFF, "DTC status mask")

	clearCmd := &cobra.Command{
		Use:   "clear [group]",
		Short: "Clear stored DTCs (default: all groups)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := uint32(0xFFFFFF)
			if len(args) == 1 {
				v, err := ranges.ParseInt(args[0])
				if err != nil {
					return err
				}
				group = v
			}
			return primitiveRunE(cmd, "primitive-dtc-clear", func(ctx context.Context, client *uds.Client) error {
				if err := client.ClearDTC(ctx, group); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "cleared")
				return nil
			})
		},
	}

	controlCmd := &cobra.Command{
		Use:   "control <on|off>",
		Short: "Toggle DTC status updating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var setting byte
			switch args[0] {
			case "on":
				setting = 0x01
			case "off":
				setting = 0x02
			default:
				return fmt.Errorf("unknown DTC setting %q (want on or off)", args[0])
			}
			return primitiveRunE(cmd, "primitive-dtc-control", func(ctx context.Context, client *uds.Client) error {
				return client.ControlDTCSetting(ctx, setting)
			})
		},
	}

	cmd.AddCommand(readCmd, clearCmd, controlCmd)
	return cmd
}

func newUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock a security-access level",
		Long: `Runs the seed/key exchange for the given level. The key is derived from
the seed either by XOR with --key-mask or by AES-CMAC with
--cmac-secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetInt("level")
			maskHex, _ := cmd.Flags().GetString("key-mask")
			secretHex, _ := cmd.Flags().GetString("cmac-secret")

			var keyFn uds.KeyFunc
			switch {
			case maskHex != "" && secretHex != "":
				return fmt.Errorf("--key-mask and --cmac-secret are mutually exclusive")
			case maskHex != "":
				mask, err := hex.DecodeString(maskHex)
				if err != nil {
					return fmt.Errorf("key mask: %w", err)
				}
				keyFn = uds.XORKeyFunc(mask)
			case secretHex != "":
				secret, err := hex.DecodeString(secretHex)
				if err != nil {
					return fmt.Errorf("cmac secret: %w", err)
				}
				keyFn = uds.CMACKeyFunc(secret)
			default:
				return fmt.Errorf("one of --key-mask or --cmac-secret is required")
			}

			return primitiveRunE(cmd, "primitive-unlock", func(ctx context.Context, client *uds.Client) error {
				if err := client.SecurityAccess(ctx, byte(level), keyFn); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "level 0x%02x unlocked\n", level)
				return nil
			})
		},
	}
	cmd.Flags().Int("level", 0x01, "Security-access level (odd)")
	cmd.Flags().String("key-mask", "", "Hex XOR mask for key derivation")
	cmd.Flags().String("cmac-secret", "", "Hex AES key for CMAC key derivation")
	return cmd
}

func newRawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <hexpdu>",
		Short: "Send a raw PDU and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pdu, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("pdu: %w", err)
			}
			return primitiveRunE(cmd, "primitive-raw", func(ctx context.Context, client *uds.Client) error {
				resp, err := client.SendRaw(ctx, pdu)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%x\n", resp.Encode())
				return nil
			})
		},
	}
}

func newFlashWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash-write <file.hex>",
		Short: "Write an Intel HEX image via WriteMemoryByAddress",
		Long: `Parses an Intel HEX image and writes each data segment to the ECU in
chunks. Privileged writes usually require --session and a prior unlock;
combine with the unlock flags of a scripted run when needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkSize, _ := cmd.Flags().GetInt("chunk")
			if chunkSize <= 0 {
				return fmt.Errorf("chunk size must be positive")
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			mem := gohex.NewMemory()
			if err := mem.ParseIntelHex(f); err != nil {
				f.Close()
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			f.Close()

			return primitiveRunE(cmd, "primitive-flash-write", func(ctx context.Context, client *uds.Client) error {
				for _, segment := range mem.GetDataSegments() {
					log.WithFields(log.Fields{
						"address": fmt.Sprintf("%#x", segment.Address),
						"size":    len(segment.Data),
					}).Info("writing segment")

					for offset := 0; offset < len(segment.Data); offset += chunkSize {
						end := offset + chunkSize
						if end > len(segment.Data) {
							end = len(segment.Data)
						}
						addr := uint64(segment.Address) + uint64(offset)
						chunk := segment.Data[offset:end]
						if err := client.WriteMemoryByAddress(ctx, addr, chunk); err != nil {
							return fmt.Errorf("write %d bytes at %#x: %w", len(chunk), addr, err)
						}
						log.WithFields(log.Fields{
							"address": fmt.Sprintf("%#x", addr),
							"chunk":   logging.HexField(chunk[:min(8, len(chunk))]),
						}).Debug("chunk written")
					}
				}
				fmt.Fprintln(os.Stdout, "image written")
				return nil
			})
		},
	}
	cmd.Flags().Int("chunk", 128, "Bytes per WriteMemoryByAddress request")
	return cmd
}
