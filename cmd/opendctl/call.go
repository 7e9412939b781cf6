package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hongjun500/opend-go/internal/config"
	"github.com/hongjun500/opend-go/internal/protocol"
)

// parseRequest 解析 "proto[:hexbody]"，proto 可以是协议号或名称
func parseRequest(s string) (uint32, []byte, error) {
	name, body, _ := strings.Cut(s, ":")
	protoID, err := protocol.ParseProto(name)
	if err != nil {
		return 0, nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return 0, nil, fmt.Errorf("body of %q: %w", s, err)
	}
	return protoID, b, nil
}

func callCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "call <proto> [hex-body]",
		Short: "Send one raw request and print the response",
		Long: `Send one request with a hex-encoded body and print the response.

<proto> is a decimal proto id or a name such as Qot_GetGlobalState.
The response status (retType/retMsg/errCode) is decoded when present.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := args[0]
			if len(args) == 2 {
				arg += ":" + args[1]
			}
			protoID, body, err := parseRequest(arg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			msg, err := c.Request(ctx, protoID, body, cfg.RequestTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("proto=%d (%s) serial=%d len=%d\n", msg.ProtoID, protocol.ProtoName(msg.ProtoID), msg.SerialNo, len(msg.Body))
			if msg.FmtType == protocol.FmtProtobuf {
				if st, err := protocol.ParseResponseStatus(msg.Body); err == nil {
					fmt.Printf("retType=%d errCode=%d retMsg=%q\n", st.RetType, st.ErrCode, st.RetMsg)
				}
			}
			fmt.Println(hex.EncodeToString(msg.Body))
			return nil
		},
	}
}
