// Package database é o runtime de acesso a dados do serviço de localização.
//
// Camadas (da folha para cima):
//
//   - Pool: conjunto limitado de conexões físicas; valida cada conexão no checkout
//     (ping) e descarta conexões antigas no checkin (PoolRecycle).
//   - Database: configuração imutável + Pool; produz Sessions. Uma instância por papel
//     (master e replica); Cluster junta as duas.
//   - Session: uma transação explícita sobre uma conexão exclusiva
//     (open -> committed|rolledback -> closed).
//   - Dialect/Insert: upsert atômico no servidor, no formato do dialeto configurado.
//
// Classificação de falhas do probe de liveness:
//
//	transient (2003, 2006, 2013, 2055, ErrBadConn, ECONNREFUSED) -> descarta e tenta outra conexão
//	qualquer outro erro                                         -> *FatalConnectionError
//
// O escopo por request (commit/rollback no fim da requisição) fica em
// middleware/dbsession; este pacote não conhece net/http.
package database
