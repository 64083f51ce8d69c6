package executable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func header(codeLen, dataLen uint64) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	binary.Write(&buf, binary.LittleEndian, codeLen)
	binary.Write(&buf, binary.LittleEndian, dataLen)
	return buf.Bytes()
}

func TestReadValid(t *testing.T) {
	code := []byte{0xC3}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf := bytes.NewBuffer(header(uint64(len(code)), uint64(len(data))))
	buf.Write(code)
	buf.Write(data)

	exe, err := Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(exe.Code, code) || !bytes.Equal(exe.Data, data) {
		t.Fatalf("Read produced %+v", exe)
	}
}

func TestReadBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("notsparkx" + "aaaaaaaaaaaaaaaa")
	_, err := Read(buf)
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("Read: %v, want ErrBadHeader", err)
	}
}

func TestReadShortHeader(t *testing.T) {
	buf := bytes.NewBufferString("short")
	_, err := Read(buf)
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("Read: %v, want ErrBadHeader", err)
	}
}

func TestReadShortLength(t *testing.T) {
	buf := bytes.NewBuffer(magic[:])
	buf.Write([]byte{1, 2, 3}) // incomplete code_length field
	_, err := Read(buf)
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("Read: %v, want ErrBadHeader", err)
	}
}

func TestReadCodeTooLong(t *testing.T) {
	buf := bytes.NewBuffer(header(maxCodeLength+1, 0))
	_, err := Read(buf)
	if !errors.Is(err, ErrCodeTooLong) {
		t.Fatalf("Read: %v, want ErrCodeTooLong", err)
	}
}

func TestReadDataTooLong(t *testing.T) {
	buf := bytes.NewBuffer(header(0, maxDataLength+1))
	_, err := Read(buf)
	if !errors.Is(err, ErrDataTooLong) {
		t.Fatalf("Read: %v, want ErrDataTooLong", err)
	}
}

func TestReadBadLength(t *testing.T) {
	buf := bytes.NewBuffer(header(10, 0))
	buf.Write([]byte{1, 2, 3}) // short of the declared 10 code bytes
	_, err := Read(buf)
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("Read: %v, want ErrBadLength", err)
	}
}

func TestExeString(t *testing.T) {
	e := Exe{Code: make([]byte, 1), Data: make([]byte, 2)}
	if got, want := e.String(), "Exe{code: <1 byte>, data: <2 bytes>}"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
