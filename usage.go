// # Usage
//
//	usage: cratereg serve -root-registry dir [-addr host:port] [-server-addr host:port]
//	       cratereg pack -pack-file file [-rust-versions v,...] [-platforms t,...]
//	       cratereg unpack -packed-file file -root-registry dir
//	       cratereg platformslist [-source url]
//	       cratereg describe >cratereg.conf
//	       cratereg testconfig cratereg.conf
//	       cratereg version
//	  -config string
//	    	path to configuration file, optional
//	  -debug
//	    	enable debug logging, e.g. printing HTTP requests and responses
package main
