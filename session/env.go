package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/whispsh/whisp/internal/apps"
)

// buildEnv assembles the environment exported to a spawned app, per
// spec §4.5: inherited PATH plus the WHISP_* variables, plus one
// WHISP_PARAM_<NAME> per pattern capture, plus whatever the client
// sent via "env" requests (accumulated in ch.env). The client's
// variables come first, so a client-sent PATH, TERM or WHISP_* name is
// overridden by the server's value (exec.Cmd keeps the last value of a
// duplicated key).
func (c *Connection) buildEnv(ch *Channel, appName string) []string {
	env := append([]string{}, ch.env...)
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}

	termName := "xterm"
	var cols, rows, widthPx, heightPx uint32
	if ch.info != nil {
		if ch.info.Term != "" {
			termName = ch.info.Term
		}
		cols, rows, widthPx, heightPx = ch.info.Cols, ch.info.Rows, ch.info.WidthPx, ch.info.HeightPx
	}

	env = append(env,
		"TERM="+termName,
		"WHISP_TERM="+termName,
		"WHISP_COLS="+strconv.FormatUint(uint64(cols), 10),
		"WHISP_ROWS="+strconv.FormatUint(uint64(rows), 10),
		"WHISP_WIDTH_PX="+strconv.FormatUint(uint64(widthPx), 10),
		"WHISP_HEIGHT_PX="+strconv.FormatUint(uint64(heightPx), 10),
		"WHISP_CLIENT_IP="+c.clientAddr,
		"WHISP_APP="+appName,
		"WHISP_USERNAME="+c.username,
		"WHISP_CONNECTION_ID="+c.id,
	)
	if ch.pty != nil {
		if name := ch.pty.SlavePath(); name != "" {
			env = append(env, "WHISP_TTY="+name)
		}
	}
	if c.auth.pubKeyBlob != nil {
		env = append(env, "WHISP_USER_PUBLIC_KEY="+base64.StdEncoding.EncodeToString(c.auth.pubKeyBlob))
	}
	if ch.resolution != nil {
		for name, value := range ch.resolution.Params {
			env = append(env, fmt.Sprintf("WHISP_PARAM_%s=%s", strings.ToUpper(name), value))
		}
	}

	return env
}

// resolveApp applies §4.6's resolution contract for the app named by
// name, falling back to "default".
func (c *Connection) resolveApp(name string) (*apps.Resolution, bool) {
	return c.registry.Resolve(name)
}
