package web3test

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Method answers one contract method given its decoded arguments.
type Method func(args []interface{}) ([]interface{}, error)

// ABIHandler decodes calls against parsed and dispatches them by method name.
func ABIHandler(parsed abi.ABI, methods map[string]Method) CallHandler {
	return func(data []byte) ([]byte, error) {
		if len(data) < 4 {
			return nil, fmt.Errorf("web3test: short calldata")
		}
		method, err := parsed.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		fn, ok := methods[method.Name]
		if !ok {
			return nil, fmt.Errorf("web3test: method %s not scripted", method.Name)
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		out, err := fn(args)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(out...)
	}
}
