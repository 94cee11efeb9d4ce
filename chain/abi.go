package chain

// sarcophagusABI covers the slice of the embalmer/archaeologist contract
// surface this agent consumes. Kept by hand rather than generated: the
// agent needs nine functions and five events out of a much larger diamond.
const sarcophagusABI = `[
  {
    "type": "function",
    "name": "getArchaeologistProfile",
    "stateMutability": "view",
    "inputs": [{ "name": "archaeologist", "type": "address" }],
    "outputs": [
      {
        "name": "profile",
        "type": "tuple",
        "components": [
          { "name": "exists", "type": "bool" },
          { "name": "minimumDiggingFee", "type": "uint256" },
          { "name": "maximumRewrapInterval", "type": "uint256" },
          { "name": "maximumResurrectionTime", "type": "uint256" },
          { "name": "freeBond", "type": "uint256" },
          { "name": "cursedBond", "type": "uint256" },
          { "name": "peerId", "type": "string" }
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "registerArchaeologist",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "peerId", "type": "string" },
      { "name": "minimumDiggingFee", "type": "uint256" },
      { "name": "maximumRewrapInterval", "type": "uint256" },
      { "name": "maximumResurrectionTime", "type": "uint256" },
      { "name": "freeBond", "type": "uint256" }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "updateArchaeologist",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "peerId", "type": "string" },
      { "name": "minimumDiggingFee", "type": "uint256" },
      { "name": "maximumRewrapInterval", "type": "uint256" },
      { "name": "maximumResurrectionTime", "type": "uint256" },
      { "name": "freeBond", "type": "uint256" }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "depositFreeBond",
    "stateMutability": "nonpayable",
    "inputs": [{ "name": "amount", "type": "uint256" }],
    "outputs": []
  },
  {
    "type": "function",
    "name": "withdrawFreeBond",
    "stateMutability": "nonpayable",
    "inputs": [{ "name": "amount", "type": "uint256" }],
    "outputs": []
  },
  {
    "type": "function",
    "name": "withdrawReward",
    "stateMutability": "nonpayable",
    "inputs": [],
    "outputs": []
  },
  {
    "type": "function",
    "name": "publishPrivateKey",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "sarcoId", "type": "bytes32" },
      { "name": "privateKey", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getSarcophagus",
    "stateMutability": "view",
    "inputs": [{ "name": "sarcoId", "type": "bytes32" }],
    "outputs": [
      {
        "name": "sarcophagus",
        "type": "tuple",
        "components": [
          { "name": "resurrectionTime", "type": "uint256" },
          { "name": "isCompromised", "type": "bool" },
          { "name": "isCleaned", "type": "bool" },
          { "name": "diggingFee", "type": "uint256" },
          { "name": "cursedBond", "type": "uint256" },
          { "name": "creationTime", "type": "uint256" },
          { "name": "publicKey", "type": "bytes" },
          { "name": "privateKey", "type": "bytes32" },
          { "name": "arweaveTxId", "type": "string" }
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getGracePeriod",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "type": "event",
    "name": "CreateSarcophagus",
    "inputs": [
      { "name": "sarcoId", "type": "bytes32", "indexed": true },
      { "name": "resurrectionTime", "type": "uint256", "indexed": false },
      { "name": "diggingFee", "type": "uint256", "indexed": false },
      { "name": "cursedBond", "type": "uint256", "indexed": false },
      { "name": "arweaveTxId", "type": "string", "indexed": false },
      { "name": "publicKey", "type": "bytes", "indexed": false },
      { "name": "cursedArchaeologists", "type": "address[]", "indexed": false }
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "RewrapSarcophagus",
    "inputs": [
      { "name": "sarcoId", "type": "bytes32", "indexed": true },
      { "name": "newResurrectionTime", "type": "uint256", "indexed": false }
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "BurySarcophagus",
    "inputs": [{ "name": "sarcoId", "type": "bytes32", "indexed": true }],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "CleanUpSarcophagus",
    "inputs": [{ "name": "sarcoId", "type": "bytes32", "indexed": true }],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "AccuseArchaeologist",
    "inputs": [
      { "name": "sarcoId", "type": "bytes32", "indexed": true },
      { "name": "accusedArchaeologist", "type": "address", "indexed": true },
      { "name": "sarcophagusCompromised", "type": "bool", "indexed": false }
    ],
    "anonymous": false
  }
]`
