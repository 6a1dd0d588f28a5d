// Command upcnctl is the admin CLI for a running upcnd agent: it issues
// router commands (Add/Update/Delete/Query, spec.md §6 opcodes 0x31..0x34)
// against the daemon's diagnostic HTTP surface and prints its JSON
// snapshot. Grounded on
// _examples/rockstar-0000-aistore/cmd/cli/cli/app.go's urfave/cli v1
// application shape (cli.NewApp, cli.Command/cli.Flag) and
// remcluster_hdlr.go's thin per-opcode subcommand style.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var addrFlag = cli.StringFlag{
	Name:  "addr",
	Usage: "upcnd diagnostic HTTP address",
	Value: "http://127.0.0.1:8686",
}

func main() {
	app := cli.NewApp()
	app.Name = "upcnctl"
	app.Usage = "inspect and update a running upcnd agent's routing plan"
	app.Flags = []cli.Flag{addrFlag}
	app.Commands = []cli.Command{addCmd, updateCmd, deleteCmd, queryCmd}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "upcnctl:", err)
		os.Exit(1)
	}
}

// wireCommand mirrors internal/clapi's JSON decode shape; duplicated here
// rather than imported so upcnctl stays a standalone client with no
// dependency on the daemon's internal packages.
type wireCommand struct {
	Opcode         int            `json:"opcode"`
	GSEID          string         `json:"gs_eid"`
	CLAKind        string         `json:"cla_kind,omitempty"`
	CLAAddress     string         `json:"cla_address,omitempty"`
	DefaultGateway bool           `json:"default_gateway,omitempty"`
	Endpoints      []wireEndpoint `json:"endpoints,omitempty"`
	Contacts       []wireContact  `json:"contacts,omitempty"`
}

type wireEndpoint struct {
	EID         string  `json:"eid"`
	Probability float64 `json:"probability"`
}

type wireContact struct {
	From    int64 `json:"from"`
	To      int64 `json:"to"`
	Bitrate int64 `json:"bitrate"`
}

const (
	opcodeAdd    = 0x31
	opcodeUpdate = 0x32
	opcodeDelete = 0x33
	opcodeQuery  = 0x34
)

var (
	addCmd = cli.Command{
		Name:      "add",
		Usage:     "add a Ground Station and its contacts/endpoints",
		ArgsUsage: "GS_EID",
		Flags:     []cli.Flag{addrFlag, claKindFlag, claAddrFlag, defGwFlag, contactsFlag, endpointsFlag},
		Action:    runCommand(opcodeAdd),
	}
	updateCmd = cli.Command{
		Name:      "update",
		Usage:     "replace a Ground Station's contacts/endpoints",
		ArgsUsage: "GS_EID",
		Flags:     []cli.Flag{addrFlag, claKindFlag, claAddrFlag, defGwFlag, contactsFlag, endpointsFlag},
		Action:    runCommand(opcodeUpdate),
	}
	deleteCmd = cli.Command{
		Name:      "delete",
		Usage:     "remove a Ground Station, or just its listed contacts",
		ArgsUsage: "GS_EID",
		Flags:     []cli.Flag{addrFlag, contactsFlag},
		Action:    runCommand(opcodeDelete),
	}
	queryCmd = cli.Command{
		Name:   "query",
		Usage:  "print the agent's current routing-table snapshot",
		Flags:  []cli.Flag{addrFlag},
		Action: runQuery,
	}
)

var (
	claKindFlag = cli.StringFlag{Name: "cla-kind", Usage: "CLA implementation identifier (e.g. tcpcl)"}
	claAddrFlag = cli.StringFlag{Name: "cla-addr", Usage: "CLA network address"}
	defGwFlag   = cli.BoolFlag{Name: "default-gateway", Usage: "route bundles for unknown destinations through this GS"}
	contactsFlag = cli.StringFlag{
		Name:  "contacts",
		Usage: "comma-separated from:to:bitrate triples, e.g. 100:200:1200,300:400:400",
	}
	endpointsFlag = cli.StringFlag{
		Name:  "endpoints",
		Usage: "comma-separated eid:probability pairs, e.g. dtn://dst/:0.999",
	}
)

func parseContacts(spec string) ([]wireContact, error) {
	if spec == "" {
		return nil, nil
	}
	var out []wireContact
	for _, triple := range strings.Split(spec, ",") {
		var from, to, bitrate int64
		if _, err := fmt.Sscanf(triple, "%d:%d:%d", &from, &to, &bitrate); err != nil {
			return nil, errors.Wrapf(err, "parsing contact %q (want from:to:bitrate)", triple)
		}
		out = append(out, wireContact{From: from, To: to, Bitrate: bitrate})
	}
	return out, nil
}

func parseEndpoints(spec string) ([]wireEndpoint, error) {
	if spec == "" {
		return nil, nil
	}
	var out []wireEndpoint
	for _, pair := range strings.Split(spec, ",") {
		idx := strings.LastIndex(pair, ":")
		if idx < 0 {
			return nil, errors.Errorf("parsing endpoint %q (want eid:probability)", pair)
		}
		eidStr, probStr := pair[:idx], pair[idx+1:]
		var prob float64
		if _, err := fmt.Sscanf(probStr, "%f", &prob); err != nil {
			return nil, errors.Wrapf(err, "parsing endpoint probability %q", pair)
		}
		out = append(out, wireEndpoint{EID: eidStr, Probability: prob})
	}
	return out, nil
}

func runCommand(opcode int) cli.ActionFunc {
	return func(c *cli.Context) error {
		gsEID := c.Args().First()
		if gsEID == "" {
			return errors.New("upcnctl: missing GS_EID argument")
		}
		contacts, err := parseContacts(c.String("contacts"))
		if err != nil {
			return err
		}
		endpoints, err := parseEndpoints(c.String("endpoints"))
		if err != nil {
			return err
		}
		wc := wireCommand{
			Opcode:         opcode,
			GSEID:          gsEID,
			CLAKind:        c.String("cla-kind"),
			CLAAddress:     c.String("cla-addr"),
			DefaultGateway: c.Bool("default-gateway"),
			Endpoints:      endpoints,
			Contacts:       contacts,
		}
		return postCommand(c.String("addr"), wc)
	}
}

func postCommand(addr string, wc wireCommand) error {
	body, err := json.Marshal(wc)
	if err != nil {
		return errors.Wrap(err, "upcnctl: encoding command")
	}
	resp, err := http.Post(addr+"/command", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return errors.Wrap(err, "upcnctl: posting command")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return errors.Errorf("upcnctl: daemon rejected command (%s): %s", resp.Status, msg)
	}
	return nil
}

func runQuery(c *cli.Context) error {
	resp, err := http.Get(c.String("addr") + "/diag")
	if err != nil {
		return errors.Wrap(err, "upcnctl: querying daemon")
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "upcnctl: reading snapshot")
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(buf, &pretty); err != nil {
		fmt.Println(string(buf))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
