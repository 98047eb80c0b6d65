package ftptestclient

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)
var epsvRegex = regexp.MustCompile(`\|\|\|(\d+)\|`)

// openPassive issues PASV (or EPSV, if useEPSV), dials the returned
// address, and wraps the socket in TLS when PROT P has been negotiated
// over a TLS control channel (AUTH TLS alone leaves data channels plain).
// The TLS handshake itself is deferred to the first Read/Write.
func (c *Client) openPassive(useEPSV bool) (net.Conn, error) {
	var host string
	var port int

	if useEPSV {
		resp, err := c.cmd("EPSV")
		if err != nil {
			return nil, err
		}
		if resp.Code != 229 {
			return nil, fmt.Errorf("EPSV failed: %s", resp.Message)
		}
		m := epsvRegex.FindStringSubmatch(resp.Message)
		if m == nil {
			return nil, fmt.Errorf("unparseable EPSV reply: %s", resp.Message)
		}
		port, _ = strconv.Atoi(m[1])
		host, _, _ = net.SplitHostPort(c.conn.RemoteAddr().String())
	} else {
		resp, err := c.cmd("PASV")
		if err != nil {
			return nil, err
		}
		if resp.Code != 227 {
			return nil, fmt.Errorf("PASV failed: %s", resp.Message)
		}
		m := pasvRegex.FindStringSubmatch(resp.Message)
		if m == nil {
			return nil, fmt.Errorf("unparseable PASV reply: %s", resp.Message)
		}
		host = fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4])
		p1, _ := strconv.Atoi(m[5])
		p2, _ := strconv.Atoi(m[6])
		port = p1<<8 | p2
	}

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort(host, strconv.Itoa(port)), c.timeout)
	if err != nil {
		return nil, err
	}
	if c.dataTLS && c.tlsConf != nil {
		// No explicit Handshake here: the server only accepts (and
		// handshakes) the data connection after the transfer command, so
		// the handshake runs on the first Read/Write, after that command.
		return tls.Client(conn, c.tlsConf), nil
	}
	return conn, nil
}

// Retrieve downloads name and returns its full contents.
func (c *Client) Retrieve(name string) ([]byte, error) {
	data, err := c.openPassive(false)
	if err != nil {
		return nil, err
	}

	resp, err := c.cmd("RETR %s", name)
	if err != nil {
		data.Close()
		return nil, err
	}
	if resp.Code != 150 {
		data.Close()
		return nil, fmt.Errorf("RETR rejected: %s", resp.Message)
	}

	buf, readErr := io.ReadAll(data)
	data.Close()

	final, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if !final.Is2xx() {
		return nil, fmt.Errorf("RETR failed: %s", final.Message)
	}
	return buf, readErr
}

// Store uploads content as name.
func (c *Client) Store(name string, content []byte) error {
	data, err := c.openPassive(false)
	if err != nil {
		return err
	}

	resp, err := c.cmd("STOR %s", name)
	if err != nil {
		data.Close()
		return err
	}
	if resp.Code != 150 {
		data.Close()
		return fmt.Errorf("STOR rejected: %s", resp.Message)
	}

	_, writeErr := io.Copy(data, bytes.NewReader(content))
	data.Close()

	final, err := c.readResponse()
	if err != nil {
		return err
	}
	if !final.Is2xx() {
		return fmt.Errorf("STOR failed: %s", final.Message)
	}
	return writeErr
}

// List runs LIST (or NLST if nameOnly) and returns the raw lines.
func (c *Client) List(dir string, nameOnly bool) ([]string, error) {
	data, err := c.openPassive(false)
	if err != nil {
		return nil, err
	}

	verb := "LIST"
	if nameOnly {
		verb = "NLST"
	}
	resp, err := c.cmd("%s", strings.TrimSpace(verb+" "+dir))
	if err != nil {
		data.Close()
		return nil, err
	}
	if resp.Code != 150 {
		data.Close()
		return nil, fmt.Errorf("%s rejected: %s", verb, resp.Message)
	}

	buf, readErr := io.ReadAll(data)
	data.Close()
	if readErr != nil {
		return nil, readErr
	}

	final, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if !final.Is2xx() {
		return nil, fmt.Errorf("%s failed: %s", verb, final.Message)
	}

	return splitLines(string(buf)), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range bytes.Split([]byte(s), []byte("\r\n")) {
		if len(l) == 0 {
			continue
		}
		out = append(out, string(l))
	}
	return out
}
