package session

import (
	"github.com/whispsh/whisp/sshwire"
)

// authMethodList is the literal method list the server always offers
// (spec §8 scenario 3, §4.3).
const authMethodList = "publickey,keyboard-interactive,password,none"

// handleUserAuthRequest implements spec §4.3's AwaitUserAuth row.
func (c *Connection) handleUserAuthRequest(pkt *sshwire.Packet) error {
	cur := sshwire.NewCursor(pkt.Payload, true)
	username := cur.ReadStr()
	_ = cur.ReadStr() // service, always "ssh-connection"
	method := cur.ReadStr()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}

	switch method {
	case "none":
		if !c.auth.attempted {
			c.auth.attempted = true
			c.sendAuthFailure()
			return nil
		}
		return c.acceptAuth(username)

	case "password", "keyboard-interactive":
		c.auth.attempted = true
		// Policy hook: the core accepts unconditionally here (spec
		// §4.3: "accept unconditionally"); an embedding program that
		// wants real password checking must front this connection
		// with its own gate before handing it a socket, since §9's
		// open question leaves the exact mechanism to the
		// implementer and the core only promises not to hard-reject.
		return c.acceptAuth(username)

	case "publickey":
		return c.handlePublicKeyAuth(cur, username)

	default:
		c.auth.attempted = true
		c.sendAuthFailure()
		return nil
	}
}

func (c *Connection) handlePublicKeyAuth(cur *sshwire.Cursor, username string) error {
	hasSignature := cur.ReadBool()
	algorithm := cur.ReadStr()
	keyBlob := cur.ReadString()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}

	key, err := sshwire.ParsePublicKeyBlob(keyBlob)
	if err != nil {
		c.auth.attempted = true
		c.sendAuthFailure()
		return nil
	}

	if !hasSignature {
		reply := sshwire.NewWriter(sshwire.MsgUserAuthPKOK)
		reply.WriteStr(algorithm)
		reply.WriteString(keyBlob)
		c.sendPacket(reply.Bytes())
		return nil
	}

	sigBlob := cur.ReadString()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	sig, err := sshwire.ParseSignatureBlob(sigBlob)
	if err != nil {
		c.auth.attempted = true
		c.sendAuthFailure()
		return nil
	}

	canonicalBlob := keyBlob
	if key.Type == sshwire.SigAlgoSSHRSA {
		canonicalBlob = sshwire.MarshalRSAPublicKeyBlob(key.RSA)
	}
	signedData := sshwire.BuildPublicKeySignedData(c.sessionID, username, "ssh-connection", algorithm, canonicalBlob)

	c.auth.attempted = true
	if err := sshwire.VerifySignature(key, sig, signedData); err != nil {
		c.logger.Debugf("[%s] publickey auth failed: %v", c.id, err)
		c.sendAuthFailure()
		return nil
	}

	c.auth.pubKey = key
	c.auth.pubKeyBlob = keyBlob
	return c.acceptAuth(username)
}

// acceptAuth implements the success path shared by every method: mark
// auth complete, resolve username routing (spec §4.3 last paragraph,
// §4.6), and advance to Connected.
func (c *Connection) acceptAuth(username string) error {
	if c.auth.succeeded {
		// "Authentication is considered complete on first success;
		// subsequent requests are ignored."
		return nil
	}
	c.auth.succeeded = true

	if res, ok := c.registry.ResolveNamed(username); ok {
		c.requestedApp = username
		c.username = ""
		c.pendingResolution = res
	} else {
		c.username = username
	}

	success := sshwire.NewWriter(sshwire.MsgUserAuthSuccess)
	c.sendPacket(success.Bytes())

	c.state = StateConnected
	return nil
}

func (c *Connection) sendAuthFailure() {
	w := sshwire.NewWriter(sshwire.MsgUserAuthFailure)
	w.WriteStr(authMethodList)
	w.WriteBool(false)
	c.sendPacket(w.Bytes())
}
