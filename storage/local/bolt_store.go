package local

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket  = "metadata"
	accountsBucket  = "accounts"
	foldersBucket   = "folders"
	messagesBucket  = "messages"
	stateKey        = "state"
	bodyPrefix      = "body-"
	msgPrefix       = "msg-"
	versionKey      = "version"
	boltFileVersion = 3
)

// BoltStore keeps folders, messages and the operation log of every account in a single bbolt file,
// so a message move and the operation describing it are committed in the same transaction.
type BoltStore struct {
	dbFile string
	db     *bolt.DB
	log    lib.Logger
}

// verify interface
var _ storage.Store = &BoltStore{}

func NewBoltStore(filename string) (*BoltStore, error) {
	return NewBoltStoreWithLogger(filename, nil)
}

func NewBoltStoreWithLogger(filename string, logger lib.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	options := bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filename, err)
	}

	db, err := bolt.Open(filename, 0600, options)
	if err != nil {
		return nil, err
	}

	store := &BoltStore{
		dbFile: filename,
		db:     db,
		log:    logger,
	}
	err = store.init()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if existing := bucket.Get([]byte(versionKey)); existing != nil {
			version, err := DeserializeInt(existing)
			if err != nil {
				return err
			}
			if version != boltFileVersion {
				return fmt.Errorf("unsupported store version %d (expected %d)", version, boltFileVersion)
			}
		}
		version, err := SerializeInt(boltFileVersion)
		if err != nil {
			return err
		}
		err = bucket.Put([]byte(versionKey), version)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(accountsBucket))
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) View(fn func(tx storage.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, log: s.log})
	})
}

func (s *BoltStore) Update(fn func(tx storage.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, log: s.log})
	})
}

func (s *BoltStore) Backup(filename string) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filename, 0600)
	})
	if err != nil {
		return err
	}
	return nil
}

type boltTx struct {
	tx  *bolt.Tx
	log lib.Logger
}

// account returns the bucket of the account, creating it on a writable transaction
func (t *boltTx) account(accountID string) (*bolt.Bucket, error) {
	root := t.tx.Bucket([]byte(accountsBucket))
	if root == nil {
		return nil, nil
	}
	bucket := root.Bucket([]byte(accountID))
	if bucket != nil || !t.tx.Writable() {
		return bucket, nil
	}
	bucket, err := root.CreateBucket([]byte(accountID))
	if err != nil {
		return nil, err
	}
	_, err = bucket.CreateBucket([]byte(foldersBucket))
	if err != nil {
		return nil, err
	}
	_, err = bucket.CreateBucket([]byte(messagesBucket))
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func (t *boltTx) folders(accountID string) (*bolt.Bucket, error) {
	account, err := t.account(accountID)
	if err != nil || account == nil {
		return nil, err
	}
	return account.Bucket([]byte(foldersBucket)), nil
}

// messages returns the bucket of messages of the folder, or nil if the folder doesn't exist
func (t *boltTx) messages(accountID, folderID string) (*bolt.Bucket, error) {
	account, err := t.account(accountID)
	if err != nil || account == nil {
		return nil, err
	}
	root := account.Bucket([]byte(messagesBucket))
	if root == nil {
		return nil, nil
	}
	return root.Bucket([]byte(folderID)), nil
}

func (t *boltTx) Folders(accountID string) ([]mailbox.Folder, error) {
	bucket, err := t.folders(accountID)
	if err != nil {
		return nil, err
	}
	list := make([]mailbox.Folder, 0)
	if bucket == nil {
		return list, nil
	}
	err = bucket.ForEach(func(k, v []byte) error {
		folder, err := lib.DeserializeObject[mailbox.Folder](v)
		if err != nil {
			return fmt.Errorf("cannot load folder %q: %w", string(k), err)
		}
		list = append(list, *folder)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		return folderOrder(list[i].ID) < folderOrder(list[j].ID)
	})
	return list, nil
}

func (t *boltTx) Folder(accountID, folderID string) (*mailbox.Folder, error) {
	bucket, err := t.folders(accountID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, lib.ErrFolderNotFound
	}
	data := bucket.Get([]byte(folderID))
	if data == nil {
		return nil, lib.ErrFolderNotFound
	}
	return lib.DeserializeObject[mailbox.Folder](data)
}

func (t *boltTx) FolderByType(accountID string, folderType mailbox.FolderType) (*mailbox.Folder, error) {
	return t.findFolder(accountID, func(folder *mailbox.Folder) bool {
		return folder.Type == folderType
	})
}

func (t *boltTx) FolderByPath(accountID, path string) (*mailbox.Folder, error) {
	return t.findFolder(accountID, func(folder *mailbox.Folder) bool {
		return lib.SameFolderPath(folder.Path, path)
	})
}

func (t *boltTx) findFolder(accountID string, match func(folder *mailbox.Folder) bool) (*mailbox.Folder, error) {
	list, err := t.Folders(accountID)
	if err != nil {
		return nil, err
	}
	for _, folder := range list {
		folder := folder
		if match(&folder) {
			return &folder, nil
		}
	}
	return nil, lib.ErrFolderNotFound
}

func (t *boltTx) PutFolder(folder *mailbox.Folder) error {
	if folder == nil || folder.AccountID == "" {
		return fmt.Errorf("cannot save folder without account")
	}
	bucket, err := t.folders(folder.AccountID)
	if err != nil {
		return err
	}
	if bucket == nil {
		return bolt.ErrTxNotWritable
	}
	if folder.ID == "" {
		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("cannot get next folder ID: %w", err)
		}
		folder.ID = strconv.FormatUint(id, 10)
	}
	data, err := lib.SerializeObject(folder)
	if err != nil {
		return err
	}
	err = bucket.Put([]byte(folder.ID), data)
	if err != nil {
		return err
	}
	account, _ := t.account(folder.AccountID)
	_, err = account.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(folder.ID))
	if err != nil {
		return err
	}
	t.log.Printf("Folder saved: account=%q id=%q path=%q type=%q", folder.AccountID, folder.ID, folder.Path, folder.Type)
	return nil
}

func (t *boltTx) DeleteFolder(accountID, folderID string) error {
	bucket, err := t.folders(accountID)
	if err != nil {
		return err
	}
	if bucket == nil || bucket.Get([]byte(folderID)) == nil {
		return lib.ErrFolderNotFound
	}
	err = bucket.Delete([]byte(folderID))
	if err != nil {
		return err
	}
	account, _ := t.account(accountID)
	err = account.Bucket([]byte(messagesBucket)).DeleteBucket([]byte(folderID))
	if err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	return nil
}

func (t *boltTx) Headers(accountID, folderID string) ([]mailbox.Header, error) {
	bucket, err := t.messages(accountID, folderID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, lib.ErrFolderNotFound
	}
	list := make([]mailbox.Header, 0)
	cursor := bucket.Cursor()
	prefix := []byte(msgPrefix)
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		header, err := lib.DeserializeObject[mailbox.Header](v)
		if err != nil {
			return nil, fmt.Errorf("cannot load message %q: %w", string(k), err)
		}
		list = append(list, *header)
	}
	return list, nil
}

func (t *boltTx) Header(accountID string, suid mailbox.SUID) (*mailbox.Header, error) {
	bucket, err := t.messages(accountID, suid.FolderID())
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, lib.ErrMessageNotFound
	}
	data := bucket.Get(SerializeUID(msgPrefix, suid.ID()))
	if data == nil {
		return nil, lib.ErrMessageNotFound
	}
	return lib.DeserializeObject[mailbox.Header](data)
}

func (t *boltTx) PutHeader(header *mailbox.Header) error {
	if header == nil || header.SUID.IsZero() {
		return fmt.Errorf("cannot save message without identifier")
	}
	bucket, err := t.messages(header.AccountID, header.SUID.FolderID())
	if err != nil {
		return err
	}
	if bucket == nil {
		return fmt.Errorf("%w: %q", lib.ErrFolderNotFound, header.SUID.FolderID())
	}
	header.FolderID = header.SUID.FolderID()
	header.Flags = lib.SortFlags(header.Flags)
	data, err := lib.SerializeObject(header)
	if err != nil {
		return err
	}
	return bucket.Put(SerializeUID(msgPrefix, header.SUID.ID()), data)
}

func (t *boltTx) DeleteHeader(accountID string, suid mailbox.SUID) error {
	bucket, err := t.messages(accountID, suid.FolderID())
	if err != nil {
		return err
	}
	if bucket == nil {
		return lib.ErrMessageNotFound
	}
	key := SerializeUID(msgPrefix, suid.ID())
	if bucket.Get(key) == nil {
		return lib.ErrMessageNotFound
	}
	return bucket.Delete(key)
}

func (t *boltTx) Body(accountID string, suid mailbox.SUID) ([]byte, error) {
	bucket, err := t.messages(accountID, suid.FolderID())
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, lib.ErrBodyNotFound
	}
	data := bucket.Get(SerializeUID(bodyPrefix, suid.ID()))
	if data == nil {
		return nil, lib.ErrBodyNotFound
	}
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (t *boltTx) PutBody(accountID string, suid mailbox.SUID, body []byte) error {
	bucket, err := t.messages(accountID, suid.FolderID())
	if err != nil {
		return err
	}
	if bucket == nil {
		return fmt.Errorf("%w: %q", lib.ErrFolderNotFound, suid.FolderID())
	}
	buffer := &bytes.Buffer{}
	writer := zlib.NewWriter(buffer)
	_, err = writer.Write(body)
	if err != nil {
		return fmt.Errorf("cannot compress message body: %w", err)
	}
	err = writer.Close()
	if err != nil {
		return fmt.Errorf("error closing zlib writer: %w", err)
	}
	err = bucket.Put(SerializeUID(bodyPrefix, suid.ID()), buffer.Bytes())
	if err != nil {
		return fmt.Errorf("cannot save message body: %w", err)
	}
	t.log.Printf("Message body saved: account=%q suid=%q size=%d", accountID, suid, len(body))
	return nil
}

func (t *boltTx) DeleteBody(accountID string, suid mailbox.SUID) error {
	bucket, err := t.messages(accountID, suid.FolderID())
	if err != nil {
		return err
	}
	if bucket == nil {
		return nil
	}
	return bucket.Delete(SerializeUID(bodyPrefix, suid.ID()))
}

func (t *boltTx) NextMessageID(accountID, folderID string) (uint64, error) {
	bucket, err := t.messages(accountID, folderID)
	if err != nil {
		return 0, err
	}
	if bucket == nil {
		return 0, fmt.Errorf("%w: %q", lib.ErrFolderNotFound, folderID)
	}
	id, err := bucket.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("cannot get next message ID: %w", err)
	}
	return id, nil
}

func (t *boltTx) AccountState(accountID string) ([]byte, error) {
	account, err := t.account(accountID)
	if err != nil || account == nil {
		return nil, err
	}
	data := account.Get([]byte(stateKey))
	if data == nil {
		return nil, nil
	}
	// the slice is only valid during the transaction
	state := make([]byte, len(data))
	copy(state, data)
	return state, nil
}

func (t *boltTx) PutAccountState(accountID string, state []byte) error {
	account, err := t.account(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return bolt.ErrTxNotWritable
	}
	return account.Put([]byte(stateKey), state)
}

func folderOrder(id string) uint64 {
	value, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
