package jsonrpc

import "encoding/json"

const Version = "2.0"

type Request struct {
	Id      int         `json:"id"`
	Version string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type Response struct {
	Id      int         `json:"id"`
	Version string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   *Error      `json:"error"`
}

func UnmarshalResponse(b []byte) (Response, error) {
	var resp Response
	err := json.Unmarshal(b, &resp)
	return resp, err
}

func MarshalResponse(r Response) []byte {
	resp, _ := json.Marshal(r)
	return resp
}

func MarshalRequest(r Request) []byte {
	req, _ := json.Marshal(r)
	return req
}

func UnmarshalRequest(b []byte) (Request, error) {
	var req Request
	err := json.Unmarshal(b, &req)
	return req, err
}
