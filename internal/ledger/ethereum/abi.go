package ethereum

// contractABI describes the CrudFs ledger contract. Every mutation emits an
// event whose first two indexed topics are the path key and the ledger
// timestamp.
const contractABI = `[
  {"type":"function","name":"createFile","stateMutability":"nonpayable",
   "inputs":[{"name":"path","type":"string"},{"name":"cid","type":"string"},{"name":"metadata","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"updateFile","stateMutability":"nonpayable",
   "inputs":[{"name":"key","type":"bytes32"},{"name":"cid","type":"string"},{"name":"metadata","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"deleteFile","stateMutability":"nonpayable",
   "inputs":[{"name":"key","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"readFile","stateMutability":"view",
   "inputs":[{"name":"key","type":"bytes32"}],
   "outputs":[{"name":"path","type":"string"},{"name":"cid","type":"string"},{"name":"timestamp","type":"uint256"},{"name":"metadata","type":"string"}]},
  {"type":"function","name":"readFileCount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"readAllFileKeys","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"event","name":"CreateFile","anonymous":false,
   "inputs":[{"name":"key","type":"bytes32","indexed":true},{"name":"timestamp","type":"uint256","indexed":true},{"name":"cid","type":"string","indexed":false},{"name":"metadata","type":"string","indexed":false}]},
  {"type":"event","name":"UpdateFile","anonymous":false,
   "inputs":[{"name":"key","type":"bytes32","indexed":true},{"name":"timestamp","type":"uint256","indexed":true},{"name":"cid","type":"string","indexed":false},{"name":"metadata","type":"string","indexed":false}]},
  {"type":"event","name":"DeleteFile","anonymous":false,
   "inputs":[{"name":"key","type":"bytes32","indexed":true},{"name":"timestamp","type":"uint256","indexed":true}]}
]`

const (
	methodCreate  = "createFile"
	methodUpdate  = "updateFile"
	methodDelete  = "deleteFile"
	methodRead    = "readFile"
	methodAllKeys = "readAllFileKeys"

	eventCreate = "CreateFile"
	eventUpdate = "UpdateFile"
	eventDelete = "DeleteFile"
)
