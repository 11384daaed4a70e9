package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/memocache/memocache/internal/logging"
	"github.com/memocache/memocache/internal/protocol"
	"github.com/memocache/memocache/internal/store"
)

// session 处理单个客户端连接：逐行读取请求，每个请求恰好写回一个应答。
type session struct {
	id     string
	conn   net.Conn
	srv    *Server
	reader *bufio.Reader
	writer *bufio.Writer

	current *store.Store

	gets     int
	puts     int
	failures int
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		id:     uuid.NewString(),
		conn:   conn,
		srv:    srv,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

func (s *session) remote() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// serve 在连接关闭、服务终止或写失败时返回。
func (s *session) serve() {
	logger := s.srv.logger
	logger.WithFields(logging.ConnFields("conn_open", s.id, s.remote())).Info("connection opened")

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logging.ConnFields("conn_panic", s.id, s.remote())).
				WithField("panic", fmt.Sprint(r)).Error("connection handler panicked")
		}
		fields := logging.ConnFields("conn_close", s.id, s.remote())
		fields["gets"] = s.gets
		fields["puts"] = s.puts
		fields["errors"] = s.failures
		logger.WithFields(fields).Info("connection closed")
	}()

	for !s.srv.Terminated() {
		line, readErr := s.reader.ReadString('\n')
		if line == "" {
			if readErr != nil && !errors.Is(readErr, io.EOF) && !s.srv.Terminated() {
				logger.WithFields(logging.ConnFields("conn_read", s.id, s.remote())).
					WithError(readErr).Debug("read failed")
			}
			return
		}

		reply, fatal := s.handle(line)
		if protocol.IsError(reply) {
			s.failures++
		}
		if err := s.writeReply(reply); err != nil {
			logger.WithFields(logging.ConnFields("conn_write", s.id, s.remote())).
				WithError(err).Debug("write failed")
			return
		}
		if fatal != nil {
			logger.WithFields(logging.ConnFields("conn_abort", s.id, s.remote())).
				WithError(fatal).Error("closing connection after storage failure")
			return
		}
		if readErr != nil {
			return
		}
	}
}

func (s *session) writeReply(reply string) error {
	if _, err := s.writer.WriteString(reply); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

// handle 返回应答行；第二个返回值非空时应答写出后关闭连接。
func (s *session) handle(line string) (string, error) {
	req := protocol.ParseRequest(line)
	if !req.WellFormed() {
		s.srv.logger.WithFields(logging.ConnFields("conn_request", s.id, s.remote())).
			WithField("command", string(req.Command)).Debug("unrecognized request")
		return protocol.ErrorLine(req.Raw), nil
	}

	switch req.Command {
	case protocol.CmdOpen:
		return s.open(req.Args[0]), nil
	case protocol.CmdGet:
		return s.get(req.Args[0]), nil
	case protocol.CmdPut:
		return s.put(req.Args[0], req.Args[1])
	case protocol.CmdStats:
		return protocol.FormatStats(s.srv.registry.Stats()), nil
	case protocol.CmdTerminate:
		if s.srv.opts.ReadOnly {
			return protocol.ErrorLine(protocol.MsgReadOnly), nil
		}
		s.srv.logger.WithFields(logging.ConnFields("terminate", s.id, s.remote())).Warn("terminate requested")
		s.srv.Terminate()
		return protocol.TerminateReply, nil
	case protocol.CmdHelp:
		return protocol.HelpText, nil
	}
	return protocol.ErrorLine(req.Raw), nil
}

func (s *session) open(name string) string {
	path, ok := s.srv.ResolvePath(name)
	if !ok {
		return protocol.ErrorLine(protocol.MsgSimpleNamesOnly)
	}

	st, err := s.srv.registry.Open(path)
	if err != nil {
		return protocol.ErrorLine(err.Error())
	}
	s.current = st
	s.srv.logger.WithFields(logging.ConnFields("conn_open_cache", s.id, s.remote())).
		WithField("path", st.Path()).Debug("cache selected")
	return protocol.OK
}

func (s *session) get(key string) string {
	if s.current == nil {
		return protocol.ErrorLine(protocol.MsgNoFileOpened)
	}
	s.gets++
	value, ok := s.current.Get(key)
	return protocol.EncodeValue(value, ok)
}

func (s *session) put(key, value string) (string, error) {
	if s.srv.opts.ReadOnly {
		return protocol.ErrorLine(protocol.MsgReadOnly), nil
	}
	if s.current == nil {
		return protocol.ErrorLine(protocol.MsgNoFileOpened), nil
	}
	s.puts++

	err := s.current.Put(key, value)
	switch {
	case err == nil:
		return protocol.OK, nil
	case errors.Is(err, store.ErrReadOnly):
		return protocol.ErrorLine(protocol.MsgReadOnly), nil
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, store.ErrClosed):
		return protocol.ErrorLine(err.Error()), nil
	default:
		s.srv.logger.WithFields(logrus.Fields{
			"action":  "cache_put",
			"conn_id": s.id,
			"path":    s.current.Path(),
		}).WithError(err).Error("cache write failed")
		return protocol.ErrorLine(err.Error()), err
	}
}
