package session

import (
	"github.com/whispsh/whisp/sshwire"
)

// dispatchPacket routes one decrypted packet to the handler for the
// current state (spec §4.5's state table). KEXINIT and DISCONNECT are
// accepted in any state; everything else is state-specific.
func (c *Connection) dispatchPacket(pkt *sshwire.Packet) error {
	msgType := pkt.Type()

	if msgType == sshwire.MsgDisconnect {
		c.logger.Infof("[%s] peer disconnected", c.id)
		c.Close()
		return nil
	}

	if msgType == sshwire.MsgKexInit && c.state != StateAwaitKexInit {
		return c.handleRekeyInit(pkt)
	}

	switch c.state {
	case StateAwaitKexInit:
		return c.handleKexInit(pkt)
	case StateAwaitKexDhInit:
		return c.handleKexDHInit(pkt)
	case StateAwaitNewKeys:
		return c.handleNewKeys(pkt)
	case StateAwaitServiceRequest:
		return c.handleServiceRequest(pkt)
	case StateAwaitUserAuth:
		return c.handleUserAuthRequest(pkt)
	case StateConnected:
		return c.handleConnectedPacket(pkt)
	default:
		return nil
	}
}

// handleKexInit implements the AwaitKexInit row of spec §4.5.
func (c *Connection) handleKexInit(pkt *sshwire.Packet) error {
	c.clientKexInitPayload = pkt.Payload

	msg, err := sshwire.ParseKexInit(pkt.Payload)
	if err != nil {
		return c.onParseFailure(err)
	}
	if err := sshwire.ValidateClientKexInit(msg); err != nil {
		return c.fatal(sshwire.DisconnectKeyExchangeFailed, err.Error(), err)
	}

	serverKexInit, err := sshwire.BuildServerKexInit(nil)
	if err != nil {
		return c.fatal(sshwire.DisconnectKeyExchangeFailed, "failed to build KEXINIT", err)
	}
	c.serverKexInitPayload = serverKexInit
	c.sendPacket(serverKexInit)

	c.state = StateAwaitKexDhInit
	return nil
}

// handleKexDHInit implements the AwaitKexDhInit row of spec §4.5/§4.2.
func (c *Connection) handleKexDHInit(pkt *sshwire.Packet) error {
	clientPub, err := sshwire.ParseKexDHInit(pkt.Payload)
	if err != nil {
		return c.onParseFailure(err)
	}

	result, reply, err := sshwire.ServerKeyExchange(
		clientPub,
		c.hostKey.Public,
		c.hostKey.Private(),
		c.clientVersion, c.serverVersion,
		c.clientKexInitPayload, c.serverKexInitPayload,
		nil,
	)
	if err != nil {
		return c.fatal(sshwire.DisconnectKeyExchangeFailed, "key exchange failed", err)
	}

	if c.sessionID == nil {
		c.sessionID = result.ExchangeHash
	}

	if !c.cipher.EncryptionActive() {
		if err := c.cipher.InstallInitialKeys(result.SharedSecret, result.ExchangeHash, c.sessionID); err != nil {
			return c.fatal(sshwire.DisconnectKeyExchangeFailed, "key derivation failed", err)
		}
	} else {
		if err := c.cipher.PrepareRekey(result.SharedSecret, result.ExchangeHash, c.sessionID); err != nil {
			return c.fatal(sshwire.DisconnectKeyExchangeFailed, "key derivation failed", err)
		}
	}

	c.sendPacket(reply)
	c.sendPacket([]byte{sshwire.MsgNewKeys})

	c.state = StateAwaitNewKeys
	return nil
}

// handleNewKeys implements the AwaitNewKeys row: on the client's
// NEWKEYS, enable (or swap) encryption and move on.
func (c *Connection) handleNewKeys(pkt *sshwire.Packet) error {
	if !c.cipher.EncryptionActive() {
		c.cipher.EnableEncryption()
		c.state = StateAwaitServiceRequest
		c.logger.Debugf("[%s] initial key exchange complete", c.id)
		return nil
	}
	c.cipher.SwapRekey()
	c.rekeying = false
	c.logger.Debugf("[%s] rekey complete", c.id)
	c.state = StateConnected
	return nil
}

// handleRekeyInit re-enters the key-exchange dance mid-connection
// (spec §4.5: "any: KEXINIT (when initial-kex-complete) -> enter
// rekey"). The state machine borrows AwaitKexDhInit/AwaitNewKeys to
// drive it, then returns to Connected.
func (c *Connection) handleRekeyInit(pkt *sshwire.Packet) error {
	c.rekeying = true
	return c.handleKexInit(pkt)
}

// handleServiceRequest implements the AwaitServiceRequest row: only
// "ssh-userauth" is ever requested; answer EXT_INFO then SERVICE_ACCEPT
// (spec §4.3).
func (c *Connection) handleServiceRequest(pkt *sshwire.Packet) error {
	cur := sshwire.NewCursor(pkt.Payload, true)
	service := cur.ReadStr()
	if cur.Err() != nil {
		return c.onParseFailure(cur.Err())
	}
	if service != "ssh-userauth" {
		return c.fatal(sshwire.DisconnectProtocolError, "unsupported service: "+service, nil)
	}

	extInfo := sshwire.NewWriter(sshwire.MsgExtInfo)
	extInfo.WriteUint32(1)
	extInfo.WriteStr("server-sig-algs")
	extInfo.WriteStr(sshwire.ExtInfoServerSigAlgs)
	c.sendPacket(extInfo.Bytes())

	accept := sshwire.NewWriter(sshwire.MsgServiceAccept)
	accept.WriteStr(service)
	c.sendPacket(accept.Bytes())

	c.state = StateAwaitUserAuth
	return nil
}
